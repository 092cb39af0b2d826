package config

import (
	"net"
	"strconv"
	"time"
)

// Defaults applied to fields left empty in config.toml.
const (
	DefaultServerURL         = "ws://localhost:8000/api/agent/ws"
	DefaultEngineHost        = "127.0.0.1"
	DefaultEnginePort        = 55557
	DefaultHeartbeatInterval = "30s"
	DefaultCallTimeout       = "30s"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
)

// DefaultArtifactTools lists tools whose results point at files written
// asynchronously by the engine.
var DefaultArtifactTools = []string{"take_screenshot"}

// Config is the top-level relay configuration.
type Config struct {
	AgentID string       `toml:"agent_id"`
	Cloud   CloudConfig  `toml:"cloud"`
	Engine  EngineConfig `toml:"engine"`
	Log     LogConfig    `toml:"log"`
}

// CloudConfig describes the cloud control channel.
type CloudConfig struct {
	ServerURL         string            `toml:"server_url"`
	Token             string            `toml:"token"`
	Headers           map[string]string `toml:"headers"`
	HeartbeatInterval string            `toml:"heartbeat_interval"`
}

// EngineConfig describes the local engine endpoint.
type EngineConfig struct {
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	AutoConnect   bool     `toml:"auto_connect"`
	CallTimeout   string   `toml:"call_timeout"`
	ArtifactTools []string `toml:"artifact_tools"`
	ArtifactRoot  string   `toml:"artifact_root"`
}

// LogConfig controls the daemon logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// HasToken reports whether a cloud credential is configured.
func (c CloudConfig) HasToken() bool {
	return c.Token != ""
}

// Heartbeat returns the parsed heartbeat interval, or the default when unset or invalid.
func (c CloudConfig) Heartbeat() time.Duration {
	return parseDurationOr(c.HeartbeatInterval, DefaultHeartbeatInterval)
}

// Address returns host:port for the engine endpoint.
func (e EngineConfig) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Timeout returns the parsed per-call timeout, or the default when unset or invalid.
func (e EngineConfig) Timeout() time.Duration {
	return parseDurationOr(e.CallTimeout, DefaultCallTimeout)
}

func parseDurationOr(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

func applyDefaults(cfg *Config) {
	if cfg.Cloud.ServerURL == "" {
		cfg.Cloud.ServerURL = DefaultServerURL
	}
	if cfg.Cloud.HeartbeatInterval == "" {
		cfg.Cloud.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Engine.Host == "" {
		cfg.Engine.Host = DefaultEngineHost
	}
	if cfg.Engine.Port == 0 {
		cfg.Engine.Port = DefaultEnginePort
	}
	if cfg.Engine.CallTimeout == "" {
		cfg.Engine.CallTimeout = DefaultCallTimeout
	}
	if cfg.Engine.ArtifactTools == nil {
		cfg.Engine.ArtifactTools = append([]string(nil), DefaultArtifactTools...)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}
