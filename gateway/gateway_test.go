package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/devflow/broker"
	"github.com/c360studio/devflow/config"
	"github.com/c360studio/devflow/telemetry"
)

func TestServeLifecycle(t *testing.T) {
	cfg := config.DefaultConfig().Gateway
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownGrace = time.Second

	mem := broker.NewMemory()
	t.Cleanup(func() { mem.Close() })
	s, err := New(cfg, mem, telemetry.New(), slog.Default())
	require.NoError(t, err)

	mux := http.NewServeMux()
	s.RegisterHTTPHandlers(mux)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, mux) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}

func TestServeRejectsBadAddress(t *testing.T) {
	cfg := config.DefaultConfig().Gateway
	cfg.ListenAddr = "256.256.256.256:0"

	mem := broker.NewMemory()
	t.Cleanup(func() { mem.Close() })
	s, err := New(cfg, mem, telemetry.New(), slog.Default())
	require.NoError(t, err)

	err = s.Serve(context.Background(), http.NewServeMux())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}
