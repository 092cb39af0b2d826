package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Validate checks configuration invariants and returns actionable errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var errs []error
	errs = append(errs, validateCloud(cfg.Cloud)...)
	errs = append(errs, validateEngine(cfg.Engine)...)
	errs = append(errs, validateLog(cfg.Log)...)
	return errors.Join(errs...)
}

func validateCloud(c CloudConfig) []error {
	var errs []error

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("cloud.server_url: invalid URL %q: %w", c.ServerURL, err))
		case !validCloudScheme(u.Scheme):
			errs = append(errs, fmt.Errorf("cloud.server_url: unsupported scheme %q, use ws, wss, http or https", u.Scheme))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("cloud.server_url: missing host in %q", c.ServerURL))
		}
	}

	if err := validatePositiveDuration("cloud.heartbeat_interval", c.HeartbeatInterval); err != nil {
		errs = append(errs, err)
	}

	for name := range c.Headers {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("cloud.headers: header name must not be empty"))
		}
	}
	return errs
}

func validateEngine(e EngineConfig) []error {
	var errs []error

	if strings.ContainsAny(e.Host, " /") {
		errs = append(errs, fmt.Errorf("engine.host: invalid host %q", e.Host))
	}
	if e.Port < 0 || e.Port > 65535 {
		errs = append(errs, fmt.Errorf("engine.port: must be between 1 and 65535, got %d", e.Port))
	}
	if err := validatePositiveDuration("engine.call_timeout", e.CallTimeout); err != nil {
		errs = append(errs, err)
	}
	for i, name := range e.ArtifactTools {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("engine.artifact_tools[%d]: tool name must not be empty", i))
		}
	}
	return errs
}

func validateLog(l LogConfig) []error {
	var errs []error
	if l.Level != "" {
		if _, err := zerolog.ParseLevel(l.Level); err != nil {
			errs = append(errs, fmt.Errorf("log.level: %w", err))
		}
	}
	switch l.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be console or json, got %q", l.Format))
	}
	return errs
}

func validatePositiveDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: must be > 0, got %q", field, value)
	}
	return nil
}

func validCloudScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "ws", "wss", "http", "https":
		return true
	}
	return false
}

func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Cloud.Headers = cloneStringMap(cfg.Cloud.Headers)
	if cfg.Engine.ArtifactTools != nil {
		cloned.Engine.ArtifactTools = append([]string(nil), cfg.Engine.ArtifactTools...)
	}
	return &cloned
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
