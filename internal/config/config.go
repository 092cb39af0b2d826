package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadFrom reads the config at path, expands ${VAR} placeholders and fills
// defaults. A missing file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg, err := LoadForEditFrom(path)
	if err != nil {
		return nil, err
	}
	resolve(cfg)
	return cfg, nil
}

// LoadForEditFrom reads the config at path as written, without expansion or
// defaults, so a later save does not bake secrets into the file.
func LoadForEditFrom(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// resolve turns a file-form config into the effective one.
func resolve(cfg *Config) {
	expandConfigEnvVars(cfg)
	applyDefaults(cfg)
}

func expandConfigEnvVars(cfg *Config) {
	for _, s := range []*string{
		&cfg.AgentID,
		&cfg.Cloud.ServerURL,
		&cfg.Cloud.Token,
		&cfg.Cloud.HeartbeatInterval,
		&cfg.Engine.Host,
		&cfg.Engine.CallTimeout,
		&cfg.Engine.ArtifactRoot,
	} {
		*s = expandEnvVars(*s)
	}
	for k, v := range cfg.Cloud.Headers {
		cfg.Cloud.Headers[k] = expandEnvVars(v)
	}
	for i, name := range cfg.Engine.ArtifactTools {
		cfg.Engine.ArtifactTools[i] = expandEnvVars(name)
	}
}

// expandEnvVars substitutes ${NAME} with the environment value. Unset
// variables are left in place so validation can point at them.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}
