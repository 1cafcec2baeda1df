// Package storage persists sealed session Artifacts. Store is the durable
// sink (modernc.org/sqlite); Spool (spool.go) is the bounded local queue
// that absorbs Artifacts when Store is briefly unavailable.
package storage

import (
	"context"

	"github.com/cuemby/miel/pkg/types"
)

// Store is the durable artifact sink. Append must be safe to call
// concurrently from multiple Recorder goroutines.
type Store interface {
	// Append writes one sealed Artifact. A returned error wrapping
	// errs.ErrStorageRetryable means the caller should spool and retry
	// later; errs.ErrStorageFatal means the artifact cannot be written
	// as constructed and should be dropped (with a metric bump).
	Append(ctx context.Context, artifact types.Artifact) error

	// ListSessions returns recorded session metadata newest-first, for
	// `miel status` and operator inspection. limit <= 0 means no limit.
	ListSessions(ctx context.Context, service string, limit int) ([]types.SessionMeta, error)

	// Close flushes and releases the underlying database handle.
	Close() error
}
