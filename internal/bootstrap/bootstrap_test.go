package bootstrap_test

import (
	"context"
	"testing"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-pipeline/internal/bootstrap"
	"github.com/book-expert/audiobook-pipeline/internal/chunkstore"
	"github.com/book-expert/audiobook-pipeline/internal/config"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "bootstrap-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestNewDependencies_Local(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Paths.AudiobookRoot = t.TempDir()
	cfg.Reassembly.Package = false

	deps, err := bootstrap.NewDependencies(context.Background(), &cfg, newTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(deps.Close)

	require.NotNil(t, deps.Service)
	assert.Nil(t, deps.Listener)

	_, statusErr := deps.Service.Status("absent")
	require.ErrorIs(t, statusErr, chunkstore.ErrStoreNotFound)
}

func TestNewDependencies_WithNATS(t *testing.T) {
	t.Parallel()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	cfg := config.Default()
	cfg.Paths.AudiobookRoot = t.TempDir()
	cfg.NATS.URL = server.ClientURL()
	cfg.NATS.Publish = true

	deps, err := bootstrap.NewDependencies(context.Background(), &cfg, newTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(deps.Close)

	assert.NotNil(t, deps.Service)
	assert.NotNil(t, deps.Listener)
}

func TestNewDependencies_NATSUnavailable(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Paths.AudiobookRoot = t.TempDir()
	cfg.NATS.URL = "nats://127.0.0.1:1"

	_, err := bootstrap.NewDependencies(context.Background(), &cfg, newTestLogger(t))
	require.Error(t, err)
}
