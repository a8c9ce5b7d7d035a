package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/app"
	"github.com/JakeFAU/checkout-crawler/internal/config"
)

const userDataYAML = `
general:
  first_name: Eva
  last_name: Jansen
  email_prefix: eva.jansen
  email_suffix: mail.example
profile:
  dutch:
    country_code: "+31"
    city: Utrecht
    country: Nederland
`

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Run.OutputPath = filepath.Join(dir, "data")
	cfg.Run.ProfilePath = filepath.Join(dir, "user_data.yaml")
	cfg.Run.SystemPromptPath = filepath.Join(dir, "system_prompt.txt")
	require.NoError(t, os.WriteFile(cfg.Run.ProfilePath, []byte(userDataYAML), 0o600))
	require.NoError(t, os.WriteFile(cfg.Run.SystemPromptPath, []byte("You are a careful shopper."), 0o600))
	return cfg
}

func TestNewWiresLocalServices(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Storage.Backend = "local"
	cfg.Storage.BaseDir = filepath.Join(t.TempDir(), "mirror")
	cfg.Metrics.Addr = "127.0.0.1:0"

	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.NotNil(t, a.Orchestrator())
	require.NotNil(t, a.Server())
	assert.False(t, a.Orchestrator().Snapshot().Running)

	a.Close()
	a.Close()
}

func TestNewWithoutStatusServer(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Browser.Preflight = false

	a, err := app.New(context.Background(), cfg, nil, app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Nil(t, a.Server())
}

func TestNewFailsOnMissingProfile(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Run.ProfilePath = filepath.Join(t.TempDir(), "missing.yaml")

	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
	assert.Nil(t, a)
}

func TestNewFailsOnLocalStorageWithoutBaseDir(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Storage.Backend = "local"
	cfg.Storage.BaseDir = ""

	_, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "local blob store")
}

func TestNewFailsOnDuplicateCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := app.New(context.Background(), baseConfig(t), zap.NewNop(), app.Options{Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(first.Close)

	_, err = app.New(context.Background(), baseConfig(t), zap.NewNop(), app.Options{Registerer: reg})
	require.ErrorContains(t, err, "progress metrics")
}

func TestCloseNilApp(t *testing.T) {
	t.Parallel()

	var a *app.App
	require.NotPanics(t, a.Close)
}

func TestNewWiresMemoryBackends(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Storage.Backend = "memory"
	cfg.PubSub.Backend = "memory"
	cfg.PubSub.TopicName = "site-done"
	require.NoError(t, cfg.Validate())

	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotNil(t, a.MemoryBlobs())
	require.NotNil(t, a.MemoryEvents())
	assert.Empty(t, a.MemoryBlobs().Paths())
	assert.Empty(t, a.MemoryEvents().Messages())
}

func TestNewMemoryPublisherNeedsTopic(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.PubSub.Backend = "memory"

	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Nil(t, a.MemoryEvents())
	assert.Nil(t, a.MemoryBlobs())
}
