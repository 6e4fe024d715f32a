package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nobu007/copilot-instruction-eval/internal/layout"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, Run(base))

	l := layout.New(base)
	for _, dir := range []string{l.Requests(), l.Responses(), l.Processing(), l.Failed(), l.Logs(), l.State(), l.Config()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestRun_WritesConfigWithDefaults(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, Run(base))

	data, err := os.ReadFile(filepath.Join(base, "config", "config.yaml"))
	require.NoError(t, err)

	var cfg model.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))

	assert.Equal(t, base, cfg.Broker.BaseDirectory)
	require.NotNil(t, cfg.Broker.AutoStart)
	assert.True(t, *cfg.Broker.AutoStart)
	assert.Equal(t, model.DefaultConcurrency, cfg.Broker.Concurrency)
	assert.Equal(t, model.DefaultPollingIntervalMS, cfg.Watcher.PollingIntervalMS)
	assert.Equal(t, model.DefaultMaintenanceIntervalMS, cfg.Maintenance.IntervalMS)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestRun_RejectsExistingConfig(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, Run(base))

	err := Run(base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRun_ResolvesRelativeBaseDirectory(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	require.NoError(t, Run("myproject"))

	absDir, err := filepath.Abs("myproject")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(absDir, "config", "config.yaml"))
	require.NoError(t, err)

	var cfg model.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, absDir, cfg.Broker.BaseDirectory)
}
