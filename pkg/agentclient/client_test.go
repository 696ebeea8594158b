package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/senhakan/appcenter-server/pkg/config"
	"github.com/senhakan/appcenter-server/pkg/protocol"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.AgentServerConfig{
		URL:             srv.URL,
		RequestTimeout:  5,
		RetryInitialMs:  1,
		RetryMaxMs:      2,
		RetryMaxRetries: 2,
	}, zerolog.Nop())
}

func TestHeartbeatSendsCredentials(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agent/heartbeat", r.URL.Path)
		if r.Header.Get(protocol.HeaderAgentSecret) != "sk_good" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid agent credentials"})
			return
		}
		var req protocol.HeartbeatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{
			Status:   "ok",
			Commands: []protocol.Command{{TaskID: 7, Action: "install", Priority: 5}},
		})
	})

	c.SetCredentials("a1", "sk_bad")
	_, err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{Hostname: "pc"})
	require.True(t, IsUnauthorized(err))
	require.Contains(t, err.Error(), "Invalid agent credentials")

	c.SetCredentials("a1", "sk_good")
	resp, err := c.Heartbeat(context.Background(), protocol.HeartbeatRequest{Hostname: "pc"})
	require.NoError(t, err)
	require.Len(t, resp.Commands, 1)
	require.EqualValues(t, 7, resp.Commands[0].TaskID)
}

func TestRegisterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get(protocol.HeaderAgentSecret))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(protocol.RegisterResponse{Status: "success", SecretKey: "sk_x"})
	})

	resp, err := c.Register(context.Background(), protocol.RegisterRequest{UUID: uuid.NewString(), Hostname: "pc"})
	require.NoError(t, err)
	require.Equal(t, "sk_x", resp.SecretKey)
	require.EqualValues(t, 2, calls.Load())
}

func TestIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "identity.json")
	id, err := LoadIdentity(path)
	require.NoError(t, err)
	_, err = uuid.Parse(id.UUID)
	require.NoError(t, err)
	require.Empty(t, id.SecretKey)

	id.SecretKey = "sk_abc"
	require.NoError(t, id.Save(path))

	again, err := LoadIdentity(path)
	require.NoError(t, err)
	require.Equal(t, *id, *again)
}
