// Package httpinv is the reference connector: a generic HTTP inventory
// provider speaking REST+JSON with cursor pagination. It doubles as the
// template for writing real cloud/directory connectors.
package httpinv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/elderhq/elder/internal/connector"
	"github.com/elderhq/elder/internal/credentials"
	"github.com/elderhq/elder/pkg/models"
)

const defaultPageSize = 200

// Config is the job-level provider configuration blob.
type Config struct {
	BaseURL  string `json:"base_url"`
	PageSize int    `json:"page_size"`
	Timeout  string `json:"timeout"`
}

// Connector implements connector.Connector for the httpinv provider.
type Connector struct{}

// New creates the httpinv connector.
func New() *Connector {
	return &Connector{}
}

func (c *Connector) Provider() models.Provider {
	return models.ProviderHTTPInv
}

// Connect validates config, builds the HTTP client, and verifies the
// credential with one authenticated ping.
func (c *Connector) Connect(ctx context.Context, rawCfg json.RawMessage, cred credentials.Credential) (connector.Session, error) {
	var cfg Config
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return nil, connector.NewConfigError("connect", fmt.Errorf("parse config: %w", err))
	}
	if cfg.BaseURL == "" {
		return nil, connector.NewConfigError("connect", fmt.Errorf("base_url is required"))
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, connector.NewConfigError("connect", fmt.Errorf("invalid base_url: %w", err))
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, connector.NewConfigError("connect", fmt.Errorf("invalid timeout: %w", err))
		}
		timeout = d
	}

	s := &session{
		baseURL:  cfg.BaseURL,
		pageSize: cfg.PageSize,
		token:    cred.Token,
		client:   &http.Client{Timeout: timeout},
	}

	if err := s.ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type session struct {
	baseURL  string
	pageSize int
	token    string
	client   *http.Client
}

// Sync pages through /v1/resources until the cursor is exhausted and
// returns the complete normalized batch. Malformed items become partial
// failures instead of aborting the batch.
func (s *session) Sync(ctx context.Context) (*models.SyncResult, error) {
	result := &models.SyncResult{}
	cursor := ""

	for {
		page, err := s.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}

		for _, res := range page.Resources {
			if res.ID == "" {
				result.PartialFailures = append(result.PartialFailures, models.ItemFailure{
					ItemRef: res.Name,
					Reason:  "resource has no stable identifier",
				})
				continue
			}

			obs := models.Observation{
				ProviderKey: res.ID,
				Kind:        res.Kind,
				Name:        res.Name,
				Attributes:  res.Attributes,
			}
			for _, rel := range res.Relationships {
				obs.Relationships = append(obs.Relationships, models.Relationship{
					TargetKey: rel.TargetID,
					Relation:  rel.Relation,
				})
			}
			result.Observations = append(result.Observations, obs)
		}

		if page.NextCursor == "" {
			return result, nil
		}
		cursor = page.NextCursor
	}
}

func (s *session) HealthCheck(ctx context.Context) bool {
	return s.ping(ctx) == nil
}

// Disconnect closes idle connections; the provider API is stateless.
func (s *session) Disconnect(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *session) fetchPage(ctx context.Context, cursor string) (*resourcePage, error) {
	params := url.Values{
		"page_size": {strconv.Itoa(s.pageSize)},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	u := fmt.Sprintf("%s/v1/resources?%s", s.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, connector.NewConfigError("sync", fmt.Errorf("building request: %w", err))
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, connector.NewTransientError("sync", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus("sync", resp.StatusCode); err != nil {
		return nil, err
	}

	var page resourcePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, connector.NewTransientError("sync", fmt.Errorf("decoding response: %w", err))
	}
	return &page, nil
}

func (s *session) ping(ctx context.Context) error {
	u := fmt.Sprintf("%s/v1/ping", s.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return connector.NewConfigError("connect", fmt.Errorf("building request: %w", err))
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return connector.NewTransientError("connect", err)
	}
	defer resp.Body.Close()

	return classifyStatus("connect", resp.StatusCode)
}

func (s *session) setHeaders(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Accept", "application/json")
}

// classifyStatus maps HTTP status codes to the connector error taxonomy:
// 401/403 are credential failures, other 4xx are configuration failures,
// 429 and 5xx are transient.
func classifyStatus(op string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return connector.NewAuthError(op, fmt.Errorf("status %d", status))
	case status == http.StatusTooManyRequests || status >= 500:
		return connector.NewTransientError(op, fmt.Errorf("status %d", status))
	default:
		return connector.NewConfigError(op, fmt.Errorf("status %d", status))
	}
}

// --- provider response types ---

type resourcePage struct {
	Resources  []resource `json:"resources"`
	NextCursor string     `json:"next_cursor"`
}

type resource struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Name          string            `json:"name"`
	Attributes    map[string]string `json:"attributes"`
	Relationships []relationship    `json:"relationships"`
}

type relationship struct {
	TargetID string `json:"target_id"`
	Relation string `json:"relation"`
}

// Compile-time check that Connector implements the contract.
var _ connector.Connector = (*Connector)(nil)
