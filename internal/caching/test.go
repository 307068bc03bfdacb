package caching

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/valeryz/capsules/internal/iohashing"
)

// TestConfig toggles fault injection on a TestBackend, one flag per
// backend operation, so wrapper tests can exercise every non-fatal and
// fatal error branch without real storage.
type TestConfig struct {
	FailingLookup         bool
	FailingWrite          bool
	FailingDownload       bool
	FailingUpload         bool
	FailingBlobExistsErr  bool
}

// TestBackend is an in-memory Backend used by tests: an index keyed by
// "{capsuleID}\x00{inputsHash}" and a content-addressed blob map,
// both guarded by an RWMutex since concurrent goroutines in
// ExecAndPublish read and write it simultaneously.
type TestBackend struct {
	mu      sync.RWMutex
	index   map[string]iohashing.InputOutputBundle
	objects map[iohashing.Digest][]byte

	Config TestConfig
}

// NewTestBackend constructs an empty TestBackend.
func NewTestBackend(cfg TestConfig) *TestBackend {
	return &TestBackend{
		index:   make(map[string]iohashing.InputOutputBundle),
		objects: make(map[iohashing.Digest][]byte),
		Config:  cfg,
	}
}

func (t *TestBackend) Name() string { return "test" }

func indexMapKey(capsuleID string, h iohashing.Digest) string {
	return capsuleID + "\x00" + string(h)
}

func (t *TestBackend) Lookup(ctx context.Context, capsuleID string, inputs iohashing.InputHashBundle) (*iohashing.InputOutputBundle, error) {
	if t.Config.FailingLookup {
		return nil, fmt.Errorf("test backend: injected lookup failure")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	bundle, ok := t.index[indexMapKey(capsuleID, inputs.Hash)]
	if !ok {
		return nil, nil
	}
	out := bundle
	return &out, nil
}

func (t *TestBackend) Write(ctx context.Context, capsuleID string, bundle iohashing.InputOutputBundle) error {
	if t.Config.FailingWrite {
		return fmt.Errorf("test backend: injected write failure")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.index[indexMapKey(capsuleID, bundle.Inputs.Hash)] = bundle
	return nil
}

func (t *TestBackend) BlobExists(ctx context.Context, digest iohashing.Digest) (bool, error) {
	if t.Config.FailingBlobExistsErr {
		return false, fmt.Errorf("test backend: injected blob-exists failure")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.objects[digest]
	return ok, nil
}

func (t *TestBackend) Upload(ctx context.Context, digest iohashing.Digest, r io.Reader, size int64) error {
	if t.Config.FailingUpload {
		return fmt.Errorf("test backend: injected upload failure")
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("test backend: reading upload content: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects[digest] = buf
	return nil
}

func (t *TestBackend) Download(ctx context.Context, digest iohashing.Digest) (io.ReadCloser, error) {
	if t.Config.FailingDownload {
		return nil, fmt.Errorf("test backend: injected download failure")
	}
	t.mu.RLock()
	buf, ok := t.objects[digest]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("test backend: blob %s not found", digest)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}
