// Package caching implements the pluggable storage backends that sit
// behind a capsule lookup: an index keyed by input hash mapping to a
// persisted InputOutputBundle, and a content-addressed blob store for
// the output file bytes those bundles reference.
//
// Index keys are scoped to a capsule ID ("{capsule_id}/{h[0:2]}/{h}")
// so different wrapped commands never collide on the same input hash;
// blob keys are not ("{h[0:2]}/{h}"), since identical file content is
// identical regardless of which capsule produced it.
package caching

import (
	"context"
	"fmt"
	"io"

	"github.com/valeryz/capsules/internal/iohashing"
)

// Backend is the interface a capsule wrapper consults to look up prior
// results and publish new ones. Implementations must be safe for
// concurrent use: ExecAndPublish fans index write, blob uploads and the
// observability event out concurrently.
type Backend interface {
	// Name identifies the backend for diagnostics.
	Name() string

	// Lookup returns the previously published bundle for inputs, or
	// nil if none exists (a cache miss, not an error).
	Lookup(ctx context.Context, capsuleID string, inputs iohashing.InputHashBundle) (*iohashing.InputOutputBundle, error)

	// Write publishes the index entry mapping inputs to the realized
	// outputs bundle.
	Write(ctx context.Context, capsuleID string, bundle iohashing.InputOutputBundle) error

	// BlobExists reports whether a content-addressed blob is already
	// stored, letting callers skip a redundant upload.
	BlobExists(ctx context.Context, digest iohashing.Digest) (bool, error)

	// Upload stores r's content under digest's content address.
	Upload(ctx context.Context, digest iohashing.Digest, r io.Reader, size int64) error

	// Download returns a reader over the blob stored under digest.
	Download(ctx context.Context, digest iohashing.Digest) (io.ReadCloser, error)
}

// indexKey builds the two-tier, capsule-scoped index key for inputs
// hash h: the first two hex characters of the digest fan entries out
// across prefixes so no single directory/partition holds every key.
func indexKey(capsuleID string, h iohashing.Digest) string {
	enc := h.Encoded()
	return fmt.Sprintf("%s/%s/%s", capsuleID, enc[:2], enc)
}

// blobKey builds the content-addressed, capsule-agnostic blob key for
// digest h.
func blobKey(h iohashing.Digest) string {
	enc := h.Encoded()
	return fmt.Sprintf("%s/%s", enc[:2], enc)
}
