package config

import (
	"strings"
	"testing"
)

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidateRejectsBadCloudURL(t *testing.T) {
	cfg := &Config{Cloud: CloudConfig{ServerURL: "ftp://example.com/ws"}}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "cloud.server_url: unsupported scheme") {
		t.Fatalf("Validate() error = %q, want scheme error", err)
	}
}

func TestValidateJoinsEngineAndLogErrors(t *testing.T) {
	cfg := &Config{
		Engine: EngineConfig{Port: 70000, CallTimeout: "soon", ArtifactTools: []string{" "}},
		Log:    LogConfig{Level: "loud", Format: "xml"},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error = nil, want non-nil")
	}
	msg := err.Error()
	for _, want := range []string{
		"engine.port",
		"engine.call_timeout: invalid duration",
		"engine.artifact_tools[0]",
		"log.level",
		"log.format",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Validate() error = %q, want substring %q", msg, want)
		}
	}
}

func TestValidateRejectsNonPositiveHeartbeat(t *testing.T) {
	cfg := &Config{Cloud: CloudConfig{HeartbeatInterval: "0s"}}

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "cloud.heartbeat_interval: must be > 0") {
		t.Fatalf("Validate() error = %v, want heartbeat error", err)
	}
}
