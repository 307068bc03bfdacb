// Package wiring builds a wrapper.Engine from a resolved
// internal/config.Config: selecting the cache backend, the
// observability sink and the debug logger, the same assembly every
// cmd/capsule* binary needs before it can call Engine.Run.
package wiring

import (
	"fmt"

	"github.com/valeryz/capsules/internal/caching"
	"github.com/valeryz/capsules/internal/config"
	"github.com/valeryz/capsules/internal/iostream"
	"github.com/valeryz/capsules/internal/logger"
	"github.com/valeryz/capsules/internal/observability"
	"github.com/valeryz/capsules/internal/wrapper"
)

// NewEngine resolves cfg's backend/observability/logger settings into
// a ready-to-run Engine.
func NewEngine(cfg *config.Config, io iostream.IOStream) (*wrapper.Engine, error) {
	log, err := logger.New(cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("wiring: building logger: %w", err)
	}

	backend, err := newBackend(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("wiring: building cache backend: %w", err)
	}

	return &wrapper.Engine{
		Backend:               backend,
		Sink:                  newSink(cfg),
		Log:                   log,
		IO:                    io,
		ConcurrentDownloadMax: int64(cfg.Concurrency),
		ConcurrentUploadMax:   int64(cfg.Concurrency),
	}, nil
}

// newBackend selects a caching.Backend by name: "remote" for the
// S3-backed production backend, "dummy" (the default) for an
// always-miss, discard-on-write backend suitable for a first run or a
// machine with no cache configured.
func newBackend(cfg *config.Config, log logger.Logger) (caching.Backend, error) {
	switch cfg.Backend {
	case "remote":
		return caching.NewRemote(caching.RemoteParameters{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	case "", "dummy":
		return caching.NewDummy(log), nil
	default:
		return nil, fmt.Errorf("wiring: unknown backend %q: want \"remote\" or \"dummy\"", cfg.Backend)
	}
}

// newSink selects an observability.Sink: a RemoteSink when an
// endpoint is configured, NullSink otherwise.
func newSink(cfg *config.Config) observability.Sink {
	if cfg.ObservabilityEndpoint == "" {
		return observability.NullSink{}
	}
	return observability.NewRemoteSink(cfg.ObservabilityEndpoint, cfg.ObservabilityDataset, cfg.ObservabilityToken)
}
