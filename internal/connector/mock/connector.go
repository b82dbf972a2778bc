// Package mock provides a configurable connector for tests.
package mock

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/elderhq/elder/internal/connector"
	"github.com/elderhq/elder/internal/credentials"
	"github.com/elderhq/elder/pkg/models"
)

// Connector satisfies connector.Connector for testing. Zero-value behavior
// is a successful connect and an empty sync; override the Func fields to
// simulate failures and batches.
type Connector struct {
	// ProviderValue overrides the provider this mock registers as; defaults
	// to models.ProviderMock.
	ProviderValue models.Provider

	ConnectFunc     func(ctx context.Context, config json.RawMessage, cred credentials.Credential) (connector.Session, error)
	SyncFunc        func(ctx context.Context) (*models.SyncResult, error)
	HealthCheckFunc func(ctx context.Context) bool
	DisconnectFunc  func(ctx context.Context) error

	ConnectCalls    atomic.Int64
	SyncCalls       atomic.Int64
	DisconnectCalls atomic.Int64
}

func (c *Connector) Provider() models.Provider {
	if c.ProviderValue != "" {
		return c.ProviderValue
	}
	return models.ProviderMock
}

func (c *Connector) Connect(ctx context.Context, config json.RawMessage, cred credentials.Credential) (connector.Session, error) {
	c.ConnectCalls.Add(1)
	if c.ConnectFunc != nil {
		return c.ConnectFunc(ctx, config, cred)
	}
	return &Session{conn: c}, nil
}

// Session is the mock session; it delegates back to the parent connector's
// Func fields so tests configure one object.
type Session struct {
	conn *Connector
}

func (s *Session) Sync(ctx context.Context) (*models.SyncResult, error) {
	s.conn.SyncCalls.Add(1)
	if s.conn.SyncFunc != nil {
		return s.conn.SyncFunc(ctx)
	}
	return &models.SyncResult{}, nil
}

func (s *Session) HealthCheck(ctx context.Context) bool {
	if s.conn.HealthCheckFunc != nil {
		return s.conn.HealthCheckFunc(ctx)
	}
	return true
}

func (s *Session) Disconnect(ctx context.Context) error {
	s.conn.DisconnectCalls.Add(1)
	if s.conn.DisconnectFunc != nil {
		return s.conn.DisconnectFunc(ctx)
	}
	return nil
}

// NewWithResult returns a Connector whose sessions always return result.
func NewWithResult(result *models.SyncResult) *Connector {
	return &Connector{
		SyncFunc: func(_ context.Context) (*models.SyncResult, error) {
			return result, nil
		},
	}
}

// NewFailing returns a Connector whose sessions always fail Sync with err.
func NewFailing(err error) *Connector {
	return &Connector{
		SyncFunc: func(_ context.Context) (*models.SyncResult, error) {
			return nil, err
		},
	}
}

// NewConnectFailing returns a Connector that always fails Connect with err.
func NewConnectFailing(err error) *Connector {
	c := &Connector{}
	c.ConnectFunc = func(_ context.Context, _ json.RawMessage, _ credentials.Credential) (connector.Session, error) {
		return nil, err
	}
	return c
}

// Compile-time checks.
var _ connector.Connector = (*Connector)(nil)
var _ connector.Session = (*Session)(nil)
