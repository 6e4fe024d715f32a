// Package setup implements the `broker init` subcommand (§A.4): it
// scaffolds a base directory with the seven well-known subdirectories
// (§4.2) and writes a starter config.yaml, so a client can start dropping
// requests into requests/ immediately after `broker run`.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/nobu007/copilot-instruction-eval/internal/layout"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
)

// Run scaffolds baseDirectory: it must not already contain a config.yaml,
// so re-running init against a live broker's directory is rejected rather
// than silently overwriting an operator's tuned settings.
func Run(baseDirectory string) error {
	absDir, err := filepath.Abs(baseDirectory)
	if err != nil {
		return fmt.Errorf("resolve base directory: %w", err)
	}

	l := layout.New(absDir)
	configPath := filepath.Join(l.Config(), "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	if err := l.Ensure(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	cfg := defaultConfig(absDir)
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := atomicWriteRaw(configPath, data); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	return nil
}

// defaultConfig mirrors model.Config.ApplyDefaults' values so a freshly
// scaffolded config.yaml documents the defaults explicitly rather than
// relying on a reader to know them.
func defaultConfig(baseDirectory string) model.Config {
	autoStart := true
	return model.Config{
		Broker: model.BrokerConfig{
			BaseDirectory: baseDirectory,
			AutoStart:     &autoStart,
			Concurrency:   model.DefaultConcurrency,
		},
		Watcher: model.WatcherConfig{
			PollingIntervalMS: model.DefaultPollingIntervalMS,
			SettleDelayMS:     model.DefaultSettleDelayMS,
		},
		Maintenance: model.MaintenanceConfig{
			IntervalMS: model.DefaultMaintenanceIntervalMS,
		},
		Lock: model.LockConfig{
			HeartbeatIntervalS: model.DefaultHeartbeatIntervalS,
		},
		Logging: model.LoggingConfig{
			Level: "info",
		},
	}
}

// atomicWriteRaw mirrors fsutil.AtomicWriteRaw's write-temp-then-rename
// mechanics, but skips its JSON validation pass: config.yaml is YAML, not
// JSON, so fsutil's own atomic writer cannot be reused directly here.
func atomicWriteRaw(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".broker-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	return os.Rename(tmpPath, path)
}
