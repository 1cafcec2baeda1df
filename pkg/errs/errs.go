// Package errs defines the sentinel error kinds named in the honeypot's
// error handling design: each is a plain value meant to be wrapped with
// fmt.Errorf("...: %w", err) at the point of failure and matched with
// errors.Is at the point of handling, in the teacher's error-wrapping
// style rather than a bespoke error framework.
package errs

import "errors"

var (
	// ErrConfigInvalid is fatal at startup (exit code 2).
	ErrConfigInvalid = errors.New("config_invalid")

	// ErrBindFailed is fatal at startup for the affected listener.
	ErrBindFailed = errors.New("bind_failed")

	// ErrSpawnFailed is per-container; retried with backoff and may open
	// the pool's circuit breaker.
	ErrSpawnFailed = errors.New("spawn_failed")

	// ErrAttachFailed ends a Session with container_fault.
	ErrAttachFailed = errors.New("attach_failed")

	// ErrRecordOverflow ends a Session with a partial transcript.
	ErrRecordOverflow = errors.New("record_overflow")

	// ErrStorageRetryable is recoverable; the Recorder spools and retries.
	ErrStorageRetryable = errors.New("storage_retryable")

	// ErrStorageFatal is unrecoverable (e.g. spool disk full).
	ErrStorageFatal = errors.New("storage_fatal")

	// ErrAdmissionDropped is soft: counted, never surfaced beyond metrics.
	ErrAdmissionDropped = errors.New("admission_dropped")

	// ErrPoolExhausted is returned by Pool.Acquire when the ready queue is
	// empty and replenishment did not complete within acquire_deadline.
	ErrPoolExhausted = errors.New("exhausted")

	// ErrPrivilege is fatal at startup (exit code 3): the process lacks
	// what it needs to drive the sandbox (system D-Bus/systemd-machined
	// access, nftables/iptables, user namespaces), distinct from a
	// per-container spawn_failed that the Pool retries.
	ErrPrivilege = errors.New("privilege")
)
