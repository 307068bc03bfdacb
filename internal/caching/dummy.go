package caching

import (
	"context"
	"fmt"
	"io"

	"github.com/valeryz/capsules/internal/iohashing"
	"github.com/valeryz/capsules/internal/logger"
)

// DummyBackend never stores anything: every lookup is a miss, and
// writes/uploads are logged and discarded. It exists for dry runs and
// for exercising the wrapper's exec-and-publish path without standing
// up real storage.
type DummyBackend struct {
	Log logger.Logger
}

// NewDummy constructs a DummyBackend, defaulting to a no-op logger.
func NewDummy(log logger.Logger) *DummyBackend {
	if log == nil {
		log = logger.Noop{}
	}
	return &DummyBackend{Log: log}
}

func (d *DummyBackend) Name() string { return "dummy" }

func (d *DummyBackend) Lookup(ctx context.Context, capsuleID string, inputs iohashing.InputHashBundle) (*iohashing.InputOutputBundle, error) {
	d.Log.Debug("dummy backend: lookup for capsule %q, inputs hash %s always misses", capsuleID, inputs.Hash)
	return nil, nil
}

func (d *DummyBackend) Write(ctx context.Context, capsuleID string, bundle iohashing.InputOutputBundle) error {
	d.Log.Debug(
		"dummy backend: capsule %q, source %q, inputs key %s, outputs key %s discarded",
		capsuleID, bundle.Source, bundle.Inputs.Hash, bundle.Outputs.Hash,
	)
	return nil
}

func (d *DummyBackend) BlobExists(ctx context.Context, digest iohashing.Digest) (bool, error) {
	return false, nil
}

func (d *DummyBackend) Upload(ctx context.Context, digest iohashing.Digest, r io.Reader, size int64) error {
	d.Log.Debug("dummy backend: upload of blob %s (%d bytes) discarded", digest, size)
	return nil
}

func (d *DummyBackend) Download(ctx context.Context, digest iohashing.Digest) (io.ReadCloser, error) {
	return nil, fmt.Errorf("dummy backend: blob %s not found: backend stores nothing", digest)
}
