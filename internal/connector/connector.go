// Package connector defines the uniform lifecycle every provider adapter
// implements. All provider-specific protocol, auth, and pagination detail
// stays behind this contract; connectors never touch inventory storage,
// which belongs to the reconciler.
package connector

import (
	"context"
	"encoding/json"

	"github.com/elderhq/elder/internal/credentials"
	"github.com/elderhq/elder/pkg/models"
)

// Connector builds authenticated sessions against one provider kind.
// Connect classifies its own failures (auth vs config vs transient) via
// typed errors so the scheduler's retry policy can act on them.
type Connector interface {
	Provider() models.Provider
	Connect(ctx context.Context, config json.RawMessage, cred credentials.Credential) (Session, error)
}

// Session is one live connection. The scheduler guarantees Disconnect is
// called exactly once per Connect, including after Sync failure or timeout.
type Session interface {
	// Sync fetches and normalizes the complete resource batch for one run,
	// paginating internally. Item-level problems go into the result's
	// PartialFailures rather than failing the batch.
	Sync(ctx context.Context) (*models.SyncResult, error)
	// HealthCheck is a cheap liveness probe the scheduler uses to
	// short-circuit a dispatch before paying for a full sync.
	HealthCheck(ctx context.Context) bool
	// Disconnect releases any held resources.
	Disconnect(ctx context.Context) error
}
