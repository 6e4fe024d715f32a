package model

// Config is unmarshalled from config.yaml with gopkg.in/yaml.v3, using a
// nested-struct-with-yaml-tags convention. Only the fields documented
// below are broker-meaningful; anything else in a user's config.yaml
// is accepted and ignored.
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Lock        LockConfig        `yaml:"lock"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type BrokerConfig struct {
	BaseDirectory string `yaml:"baseDirectory"`
	AutoStart     *bool  `yaml:"autoStart"`
	Concurrency   int    `yaml:"concurrency"`
}

type WatcherConfig struct {
	PollingIntervalMS int `yaml:"pollingInterval"`
	SettleDelayMS     int `yaml:"settleDelayMs"`
}

type MaintenanceConfig struct {
	IntervalMS int `yaml:"maintenanceInterval"`
}

type LockConfig struct {
	HeartbeatIntervalS int `yaml:"heartbeatIntervalSeconds"`
}

type LoggingConfig struct {
	Level string `yaml:"logLevel"`
}

const (
	DefaultBaseDirectory         = "/tmp/copilot-evaluation"
	DefaultPollingIntervalMS     = 1000
	MinPollingIntervalMS         = 100
	MaxPollingIntervalMS         = 10000
	DefaultMaintenanceIntervalMS = 30000
	MinMaintenanceIntervalMS     = 5000
	MaxMaintenanceIntervalMS     = 300000
	DefaultSettleDelayMS         = 150
	DefaultHeartbeatIntervalS    = 15
	DefaultConcurrency           = 4
)

// ApplyDefaults fills in every field §6 documents a default for, and
// clamps the two fields §6 documents a range for. Called once, after
// yaml.Unmarshal, by loadConfig in cmd/broker.
func (c *Config) ApplyDefaults() {
	if c.Broker.BaseDirectory == "" {
		c.Broker.BaseDirectory = DefaultBaseDirectory
	}
	if c.Broker.AutoStart == nil {
		t := true
		c.Broker.AutoStart = &t
	}
	if c.Broker.Concurrency <= 0 {
		c.Broker.Concurrency = DefaultConcurrency
	}

	if c.Watcher.PollingIntervalMS <= 0 {
		c.Watcher.PollingIntervalMS = DefaultPollingIntervalMS
	}
	c.Watcher.PollingIntervalMS = clamp(c.Watcher.PollingIntervalMS, MinPollingIntervalMS, MaxPollingIntervalMS)
	if c.Watcher.SettleDelayMS <= 0 {
		c.Watcher.SettleDelayMS = DefaultSettleDelayMS
	}

	if c.Maintenance.IntervalMS <= 0 {
		c.Maintenance.IntervalMS = DefaultMaintenanceIntervalMS
	}
	c.Maintenance.IntervalMS = clamp(c.Maintenance.IntervalMS, MinMaintenanceIntervalMS, MaxMaintenanceIntervalMS)

	if c.Lock.HeartbeatIntervalS <= 0 {
		c.Lock.HeartbeatIntervalS = DefaultHeartbeatIntervalS
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
