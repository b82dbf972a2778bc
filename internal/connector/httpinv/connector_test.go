package httpinv_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elderhq/elder/internal/connector"
	"github.com/elderhq/elder/internal/connector/httpinv"
	"github.com/elderhq/elder/internal/credentials"
)

// fakeProvider serves /v1/ping and a two-page /v1/resources listing.
type fakeProvider struct {
	token      string
	pingStatus int
	listStatus int
	requests   []string
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, "ping")
		if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.pingStatus != 0 {
			w.WriteHeader(f.pingStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/resources", func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, "list cursor="+r.URL.Query().Get("cursor"))
		if f.listStatus != 0 {
			w.WriteHeader(f.listStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{
				"resources": [
					{"id": "i-1", "kind": "host", "name": "web-1",
					 "attributes": {"region": "eu-west-1"},
					 "relationships": [{"target_id": "sg-1", "relation": "member_of"}]},
					{"id": "", "kind": "host", "name": "ghost"}
				],
				"next_cursor": "page2"
			}`)
			return
		}
		fmt.Fprint(w, `{
			"resources": [{"id": "sg-1", "kind": "security_group", "name": "prod-sg"}],
			"next_cursor": ""
		}`)
	})
	return mux
}

func connectTo(t *testing.T, srv *httptest.Server, token string) connector.Session {
	t.Helper()
	cfg, err := json.Marshal(map[string]any{"base_url": srv.URL, "page_size": 2})
	require.NoError(t, err)

	session, err := httpinv.New().Connect(context.Background(), cfg, credentials.Credential{Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Disconnect(context.Background()) })
	return session
}

func TestSync_PaginatesAndNormalizes(t *testing.T) {
	fp := &fakeProvider{token: "tok-1"}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	session := connectTo(t, srv, "tok-1")

	result, err := session.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Observations, 2)
	assert.Equal(t, "i-1", result.Observations[0].ProviderKey)
	assert.Equal(t, "eu-west-1", result.Observations[0].Attributes["region"])
	require.Len(t, result.Observations[0].Relationships, 1)
	assert.Equal(t, "sg-1", result.Observations[0].Relationships[0].TargetKey)
	assert.Equal(t, "sg-1", result.Observations[1].ProviderKey)

	// The id-less item becomes a partial failure, not a batch abort.
	require.Len(t, result.PartialFailures, 1)
	assert.Equal(t, "ghost", result.PartialFailures[0].ItemRef)

	assert.Contains(t, fp.requests, "list cursor=")
	assert.Contains(t, fp.requests, "list cursor=page2")
}

func TestConnect_BadCredential(t *testing.T) {
	fp := &fakeProvider{token: "right"}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	cfg, _ := json.Marshal(map[string]any{"base_url": srv.URL})
	_, err := httpinv.New().Connect(context.Background(), cfg, credentials.Credential{Token: "wrong"})
	require.Error(t, err)

	var ce *connector.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, connector.KindAuth, ce.Kind)
	assert.False(t, connector.IsTransient(err))
}

func TestConnect_ProviderDown(t *testing.T) {
	fp := &fakeProvider{pingStatus: http.StatusServiceUnavailable}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	cfg, _ := json.Marshal(map[string]any{"base_url": srv.URL})
	_, err := httpinv.New().Connect(context.Background(), cfg, credentials.Credential{})
	require.Error(t, err)
	assert.True(t, connector.IsTransient(err))
}

func TestConnect_ConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  string
	}{
		{"missing base_url", `{}`},
		{"malformed json", `{`},
		{"bad timeout", `{"base_url": "http://localhost:0", "timeout": "soon"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := httpinv.New().Connect(context.Background(),
				json.RawMessage(tc.cfg), credentials.Credential{})
			require.Error(t, err)

			var ce *connector.Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, connector.KindConfig, ce.Kind)
		})
	}
}

func TestSync_ServerErrorIsTransient(t *testing.T) {
	fp := &fakeProvider{listStatus: http.StatusBadGateway}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	session := connectTo(t, srv, "")

	_, err := session.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, connector.IsTransient(err))
}

func TestSync_RateLimitIsTransient(t *testing.T) {
	fp := &fakeProvider{listStatus: http.StatusTooManyRequests}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	session := connectTo(t, srv, "")

	_, err := session.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, connector.IsTransient(err))
}

func TestHealthCheck(t *testing.T) {
	fp := &fakeProvider{}
	srv := httptest.NewServer(fp.handler())
	defer srv.Close()

	session := connectTo(t, srv, "")
	assert.True(t, session.HealthCheck(context.Background()))

	fp.pingStatus = http.StatusInternalServerError
	assert.False(t, session.HealthCheck(context.Background()))
}
