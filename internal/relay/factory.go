package relay

import (
	"github.com/lydakis/ue5relay/internal/artifact"
	"github.com/lydakis/ue5relay/internal/cloud"
	"github.com/lydakis/ue5relay/internal/config"
	"github.com/lydakis/ue5relay/internal/engine"
	"github.com/lydakis/ue5relay/internal/logging"
	"github.com/rs/zerolog"
)

// EngineFactoryFor builds engine clients from the current config.
func EngineFactoryFor(store ConfigStore, log zerolog.Logger, version string) EngineFactory {
	return func(host string, port int, onEvent func(engine.Event)) EngineClient {
		cfg := store.Snapshot()
		return engine.New(engine.Options{
			Host:          host,
			Port:          port,
			CallTimeout:   cfg.Engine.Timeout(),
			ArtifactTools: cfg.Engine.ArtifactTools,
			Artifact:      artifact.Options{Root: cfg.Engine.ArtifactRoot},
			Version:       version,
			Logger:        logging.Component(log, "engine"),
			OnEvent:       onEvent,
		})
	}
}

// CloudFactoryFor builds cloud clients.
func CloudFactoryFor(log zerolog.Logger) CloudFactory {
	return func(cfg config.Config, onEvent func(cloud.Event)) CloudChannel {
		return cloud.New(cloud.Options{
			ServerURL:         cfg.Cloud.ServerURL,
			Token:             cfg.Cloud.Token,
			AgentID:           cfg.AgentID,
			Headers:           cfg.Cloud.Headers,
			HeartbeatInterval: cfg.Cloud.Heartbeat(),
			Logger:            logging.Component(log, "cloud"),
			OnEvent:           onEvent,
		})
	}
}
