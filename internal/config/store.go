package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type field struct {
	get func(*Config) string
	set func(*Config, string) error
}

var fields = map[string]field{
	"agent_id": {
		get: func(c *Config) string { return c.AgentID },
		set: func(c *Config, v string) error { c.AgentID = v; return nil },
	},
	"cloud.server_url": {
		get: func(c *Config) string { return c.Cloud.ServerURL },
		set: func(c *Config, v string) error { c.Cloud.ServerURL = v; return nil },
	},
	"cloud.token": {
		get: func(c *Config) string { return c.Cloud.Token },
		set: func(c *Config, v string) error { c.Cloud.Token = v; return nil },
	},
	"cloud.heartbeat_interval": {
		get: func(c *Config) string { return c.Cloud.HeartbeatInterval },
		set: func(c *Config, v string) error { c.Cloud.HeartbeatInterval = v; return nil },
	},
	"engine.host": {
		get: func(c *Config) string { return c.Engine.Host },
		set: func(c *Config, v string) error { c.Engine.Host = v; return nil },
	},
	"engine.port": {
		get: func(c *Config) string { return strconv.Itoa(c.Engine.Port) },
		set: func(c *Config, v string) error {
			port, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("engine.port: %q is not a number", v)
			}
			c.Engine.Port = port
			return nil
		},
	},
	"engine.auto_connect": {
		get: func(c *Config) string { return strconv.FormatBool(c.Engine.AutoConnect) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("engine.auto_connect: %q is not a boolean", v)
			}
			c.Engine.AutoConnect = b
			return nil
		},
	},
	"engine.call_timeout": {
		get: func(c *Config) string { return c.Engine.CallTimeout },
		set: func(c *Config, v string) error { c.Engine.CallTimeout = v; return nil },
	},
	"engine.artifact_root": {
		get: func(c *Config) string { return c.Engine.ArtifactRoot },
		set: func(c *Config, v string) error { c.Engine.ArtifactRoot = v; return nil },
	},
	"log.level": {
		get: func(c *Config) string { return c.Log.Level },
		set: func(c *Config, v string) error { c.Log.Level = v; return nil },
	},
	"log.format": {
		get: func(c *Config) string { return c.Log.Format },
		set: func(c *Config, v string) error { c.Log.Format = v; return nil },
	},
}

// Keys returns the settable config keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store is a key/value view over one config file. Reads come from the
// expanded in-memory copy; writes go through the unexpanded file so
// ${ENV_VAR} placeholders survive.
type Store struct {
	path string
	mu   sync.RWMutex
	cfg  *Config
}

// OpenStore loads the config at path into a Store.
func OpenStore(path string) (*Store, error) {
	cfg, err := LoadFrom(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// NewMemoryStore returns a Store that never touches disk.
func NewMemoryStore(cfg Config) *Store {
	c := cloneConfig(&cfg)
	applyDefaults(c)
	return &Store{cfg: c}
}

// Path returns the backing file path ("" for memory stores).
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current expanded config.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *cloneConfig(s.cfg)
}

// Get returns the expanded value stored under key.
func (s *Store) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return f.get(s.cfg), nil
}

// Set validates and persists a single key.
func (s *Store) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		next := cloneConfig(s.cfg)
		if err := f.set(next, value); err != nil {
			return err
		}
		if err := Validate(next); err != nil {
			return err
		}
		s.cfg = next
		return nil
	}

	raw, err := LoadForEditFrom(s.path)
	if err != nil {
		return err
	}
	if err := f.set(raw, value); err != nil {
		return err
	}

	expanded := cloneConfig(raw)
	resolve(expanded)
	if err := Validate(expanded); err != nil {
		return err
	}

	if err := SaveTo(s.path, raw); err != nil {
		return err
	}
	s.cfg = expanded
	return nil
}
