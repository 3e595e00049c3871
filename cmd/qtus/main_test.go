package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qtus/internal/config"
)

func TestRootCommand(t *testing.T) {
	root := newRootCommand()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["process"])
	assert.True(t, names["outcomes"])
}

func TestProcessRequiresID(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"process"})
	assert.Error(t, root.ExecuteContext(context.Background()))
}

func TestConnectRetries(t *testing.T) {
	attempts := 0
	got, err := connect(context.Background(), zerolog.Nop(), "test", func(context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, attempts)
}

func TestConnectStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := connect(ctx, zerolog.Nop(), "test", func(context.Context) (int, error) {
		return 0, errors.New("connection refused")
	})
	assert.Error(t, err)
}

func TestIsConfigError(t *testing.T) {
	assert.True(t, isConfigError(fmt.Errorf("load: %w", config.ErrInvalid)))
	assert.False(t, isConfigError(errors.New("dial tcp: refused")))
}

func TestServeFailsWhenAddressTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	t.Setenv("PROJECTS", "alpha")
	t.Setenv("DIRECTORY", t.TempDir())
	t.Setenv("ADDR", ln.Addr().String())
	t.Setenv("NATS_URL", "")
	t.Setenv("DB_DSN", "")
	t.Setenv("S3_BUCKET", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("HAS_NOTIFICATION", "")
	t.Setenv("LOG_LEVEL", "error")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = runServe(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http server")
	assert.NoError(t, ctx.Err(), "serve should return on the listen error, not on cancellation")
}
