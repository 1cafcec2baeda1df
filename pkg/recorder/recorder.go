package recorder

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/miel/pkg/errs"
	"github.com/cuemby/miel/pkg/log"
	"github.com/cuemby/miel/pkg/metrics"
	"github.com/cuemby/miel/pkg/storage"
	"github.com/cuemby/miel/pkg/types"
)

// sealRequest is one completed session handed to the Recorder task by a
// Session's byte pump.
type sealRequest struct {
	meta   types.SessionMeta
	chunks []types.Chunk
	pcap   bool
}

// Recorder is the single-consumer task that assembles Artifacts and
// drives them into Storage, spooling on retryable failure. One Recorder
// serves every Session in the process (spec §5: "Storage is single-
// consumer by the Recorder task").
type Recorder struct {
	store storage.Store
	spool *storage.Spool

	sealCh chan sealRequest
	done   chan struct{}
}

// New constructs a Recorder backed by store and spool.
func New(store storage.Store, spool *storage.Spool) *Recorder {
	return &Recorder{
		store:  store,
		spool:  spool,
		sealCh: make(chan sealRequest, 64),
		done:   make(chan struct{}),
	}
}

// Seal enqueues a completed session for assembly and storage without
// waiting for buffer space. When the buffer is full, Seal assembles the
// artifact and writes it on the caller's goroutine instead (Store.Append,
// then the spool on a retryable error), so in that case the caller waits
// for that write to finish.
func (r *Recorder) Seal(meta types.SessionMeta, chunks []types.Chunk, withPCAP bool) {
	select {
	case r.sealCh <- sealRequest{meta: meta, chunks: chunks, pcap: withPCAP}:
	default:
		// Buffer full: run the same store-then-spool path synchronously
		// rather than wait for buffer space or drop the artifact.
		r.handle(context.Background(), sealRequest{meta: meta, chunks: chunks, pcap: withPCAP})
	}
}

// Run drives the Recorder task until ctx is cancelled, periodically
// retrying the spool in between seal events.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drainSpool(context.Background())
			return
		case req := <-r.sealCh:
			r.handle(ctx, req)
		case <-ticker.C:
			r.drainSpool(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (r *Recorder) Wait() {
	<-r.done
}

func (r *Recorder) handle(ctx context.Context, req sealRequest) {
	artifact := types.Artifact{
		Meta:       req.meta,
		Transcript: EncodeTranscript(req.chunks),
		SealedAt:   time.Now(),
	}
	if req.pcap {
		pcapBytes, err := EncodePCAP(req.chunks)
		if err != nil {
			log.Logger.Warn().Err(err).Str("session_id", req.meta.SessionID).Msg("pcap encode failed, sealing without it")
		} else {
			artifact.PCAP = pcapBytes
		}
	}

	if err := r.store.Append(ctx, artifact); err != nil {
		if errors.Is(err, errs.ErrStorageRetryable) {
			if spoolErr := r.spool.Enqueue(artifact); spoolErr != nil {
				log.Logger.Error().Err(spoolErr).Str("session_id", req.meta.SessionID).Msg("spool enqueue failed, artifact lost")
			}
			return
		}
		log.Logger.Error().Err(err).Str("session_id", req.meta.SessionID).Msg("artifact dropped: fatal storage error")
		return
	}
	metrics.ArtifactsWrittenTotal.WithLabelValues(req.meta.Service).Inc()
}

func (r *Recorder) drainSpool(ctx context.Context) {
	if err := r.spool.Drain(ctx, r.store); err != nil {
		log.Logger.Warn().Err(err).Msg("spool drain failed")
	}
}
