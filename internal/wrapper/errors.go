package wrapper

import "errors"

// Sentinel errors identifying the wrapper's error taxonomy (SPEC_FULL.md
// §7). Callers distinguish them with errors.Is; the top-level command
// inspects these to decide whether a bare-exec fallback is possible.
var (
	// ErrConfig marks invalid or missing configuration, surfacing
	// before any execution.
	ErrConfig = errors.New("capsule: configuration error")
	// ErrInputDiscovery marks a declared input glob that matched
	// nothing, or invalid glob syntax.
	ErrInputDiscovery = errors.New("capsule: input discovery error")
	// ErrLookup marks a network or decode failure consulting the
	// cache, including a lookup timeout. Fatal.
	ErrLookup = errors.New("capsule: cache lookup error")
	// ErrDownload marks any failure retrieving or verifying a cached
	// blob. Not fatal: the wrapper falls through to execute.
	ErrDownload = errors.New("capsule: cache download error")
	// ErrExec marks a failure to spawn the child process at all.
	ErrExec = errors.New("capsule: exec error")
	// ErrPublish marks any failure writing the index, uploading a
	// blob, or emitting an observability event. Always non-fatal.
	ErrPublish = errors.New("capsule: publish error")
	// ErrHashMismatch marks a downloaded blob whose SHA-256 did not
	// match its key; treated as ErrDownload by callers.
	ErrHashMismatch = errors.New("capsule: downloaded blob hash mismatch")
)
