package session

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cuemby/miel/pkg/types"
)

// pumpResult is everything the byte pump observed over a Session's
// lifetime: both directions' chunks (for the transcript/pcap) and the
// reason it stopped.
type pumpResult struct {
	chunks   []types.Chunk
	bytesIn  int64
	bytesOut int64
	cause    types.EndCause
}

// pumpConfig carries the limits and backpressure tuning a runPump call
// needs from the owning Session's ServiceConfig/GlobalConfig.
type pumpConfig struct {
	idleTimeout        time.Duration
	hardTimeout        time.Duration
	maxBytes           int64
	recordBackpressure time.Duration
	readBufferSize     int
	drainGrace         time.Duration
}

const defaultReadBufferSize = 32 * 1024

// halfCloser is implemented by connections that can shut down their write
// side independently (e.g. *net.TCPConn). runPump uses it to propagate a
// FIN from one peer to the other without tearing down the whole duplex
// pipe, matching half-close semantics. Endpoints that can't (a PTY) are
// simply left open until the session ends outright.
type halfCloser interface {
	CloseWrite() error
}

// runPump bidirectionally copies between the attacker socket and the
// container endpoint, teeing every read into a timestamped Chunk. A FIN
// on one direction only stops that direction (half-close); the other
// keeps running until its own FIN or drainGrace elapses. The pump ends
// outright on idle/hard timeout, the MaxBytes cap, local shutdown
// (ctx cancel), or the capture tee falling behind recordBackpressure —
// any of which tears down both directions immediately (spec §4.3, §4.4).
func runPump(ctx context.Context, attacker, container io.ReadWriteCloser, cfg pumpConfig) *pumpResult {
	if cfg.readBufferSize == 0 {
		cfg.readBufferSize = defaultReadBufferSize
	}

	chunkCh := make(chan types.Chunk, 256)
	done := make(chan struct{})
	var stopOnce sync.Once
	var cause types.EndCause

	var wg sync.WaitGroup

	var mu sync.Mutex
	var bytesIn, bytesOut int64
	var chunks []types.Chunk

	signalStop := func(c types.EndCause) {
		stopOnce.Do(func() {
			cause = c
			close(done)
		})
	}

	// Half-close bookkeeping (spec §4.4): a FIN observed on one direction
	// only stops that direction and propagates the FIN to the peer via
	// CloseWrite when the destination supports it; the other direction
	// keeps running until it sees its own FIN or drainGrace elapses.
	var finMu sync.Mutex
	var finishedIn, finishedOut bool
	var graceOnce sync.Once

	startGrace := func() {
		graceOnce.Do(func() {
			go func() {
				grace := cfg.drainGrace
				if grace <= 0 {
					signalStop(types.EndCausePeerClose)
					return
				}
				t := time.NewTimer(grace)
				defer t.Stop()
				select {
				case <-t.C:
					signalStop(types.EndCausePeerClose)
				case <-done:
				}
			}()
		})
	}

	finishDirection := func(dir types.Direction, dst io.Writer) {
		if hc, ok := dst.(halfCloser); ok {
			_ = hc.CloseWrite()
		}

		finMu.Lock()
		if dir == types.DirectionIn {
			finishedIn = true
		} else {
			finishedOut = true
		}
		both := finishedIn && finishedOut
		finMu.Unlock()

		if both {
			signalStop(types.EndCausePeerClose)
			return
		}
		startGrace()
	}

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()
	resetIdle := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-resetIdle:
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(cfg.idleTimeout)
			case <-idle.C:
				signalStop(types.EndCauseIdleTimeout)
				return
			case <-done:
				return
			}
		}
	}()

	hardTimer := time.NewTimer(cfg.hardTimeout)
	defer hardTimer.Stop()
	go func() {
		select {
		case <-hardTimer.C:
			signalStop(types.EndCauseHardTimeout)
		case <-done:
		}
	}()

	// collector appends tee'd chunks and enforces the size cap. Buffered
	// sends give the copy loops room; a blocked send past
	// recordBackpressure means capture can't keep up and the session
	// must end rather than let the attacker stall recording indefinitely.
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for c := range chunkCh {
			mu.Lock()
			chunks = append(chunks, c)
			if c.Direction == types.DirectionIn {
				bytesIn += int64(len(c.Data))
			} else {
				bytesOut += int64(len(c.Data))
			}
			total := bytesIn + bytesOut
			mu.Unlock()
			if cfg.maxBytes > 0 && total > cfg.maxBytes {
				signalStop(types.EndCauseSizeCap)
			}
		}
	}()

	pumpOne := func(src io.Reader, dst io.Writer, dir types.Direction) {
		defer wg.Done()
		buf := make([]byte, cfg.readBufferSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])

				select {
				case resetIdle <- struct{}{}:
				default:
				}

				if _, werr := dst.Write(data); werr != nil {
					signalStop(types.EndCausePeerClose)
					return
				}

				select {
				case chunkCh <- types.Chunk{TimestampNS: time.Now().UnixNano(), Direction: dir, Data: data}:
				case <-time.After(cfg.recordBackpressure):
					signalStop(types.EndCauseRecordOverflow)
					return
				case <-done:
					return
				}
			}
			if err != nil {
				// src hit EOF/closed: that peer signalled FIN. Stop only
				// this direction and propagate the FIN to dst; the other
				// direction keeps pumping until its own FIN or grace.
				finishDirection(dir, dst)
				return
			}
		}
	}

	wg.Add(2)
	go pumpOne(attacker, container, types.DirectionIn)
	go pumpOne(container, attacker, types.DirectionOut)

	select {
	case <-done:
	case <-ctx.Done():
		signalStop(types.EndCauseLocalShutdown)
	}

	attacker.Close()
	container.Close()
	wg.Wait()
	close(chunkCh)
	<-collectorDone

	mu.Lock()
	defer mu.Unlock()
	return &pumpResult{chunks: chunks, bytesIn: bytesIn, bytesOut: bytesOut, cause: cause}
}
