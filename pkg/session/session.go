// Package session implements the per-connection Session state machine:
// acquiring a container from the pool, attaching the attacker socket to
// it via the service's capture strategy, running the byte pump, and
// handing the result to the Recorder.
package session

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/oklog/ulid"

	"github.com/cuemby/miel/pkg/log"
	"github.com/cuemby/miel/pkg/metrics"
	"github.com/cuemby/miel/pkg/recorder"
	"github.com/cuemby/miel/pkg/types"
)

// containerPool is the slice of *pool.Pool a Session needs; declared
// locally so this package doesn't import pkg/pool for its concrete
// struct, mirroring the ProbeSource seam pkg/api already uses.
type containerPool interface {
	Acquire(ctx context.Context, service string, acquireDeadline time.Duration) (types.ContainerHandle, error)
	Release(ctx context.Context, handle types.ContainerHandle) error
}

// sealer is the subset of *recorder.Recorder a Session needs.
type sealer interface {
	Seal(meta types.SessionMeta, chunks []types.Chunk, withPCAP bool)
}

var _ sealer = (*recorder.Recorder)(nil)

// Session owns one accepted attacker connection end to end: the state
// machine in spec §4.3 (New -> AcquiringContainer -> Attached ->
// Draining -> Ended).
type Session struct {
	conn    net.Conn
	svc     types.ServiceConfig
	pool    containerPool
	rec     sealer
	global  types.GlobalConfig
	localPt int

	id    string
	state types.SessionState
}

// New constructs a Session for one just-accepted connection. localPort
// is the listener's bound port (the connection's local address can
// differ under NAT, so the Listener passes its own configured port).
func New(conn net.Conn, svc types.ServiceConfig, global types.GlobalConfig, pool containerPool, rec sealer, localPort int) *Session {
	return &Session{
		conn:    conn,
		svc:     svc,
		pool:    pool,
		rec:     rec,
		global:  global,
		localPt: localPort,
		id:      newSessionID(),
		state:   types.SessionNew,
	}
}

// ID returns the Session's ULID.
func (s *Session) ID() string { return s.id }

// Run drives the Session through its full lifecycle and blocks until it
// ends. It never panics on a failed container acquire: a container_fault
// Session still produces a SessionMeta with ContainerOK=false.
func (s *Session) Run(ctx context.Context) {
	logger := log.WithSession(s.id)
	startedAt := time.Now()
	remoteIP, remotePort := splitRemote(s.conn.RemoteAddr())

	meta := types.SessionMeta{
		SessionID:  s.id,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		LocalPort:  s.localPt,
		Service:    s.svc.Name,
		StartedAt:  startedAt,
	}

	defer s.conn.Close()
	metrics.SessionsActive.WithLabelValues(s.svc.Name).Inc()
	defer metrics.SessionsActive.WithLabelValues(s.svc.Name).Dec()

	s.state = types.SessionAcquiringContainer
	handle, err := s.pool.Acquire(ctx, s.svc.Name, s.global.AcquireDeadline)
	if err != nil {
		logger.Warn().Err(err).Str("service", s.svc.Name).Msg("container acquire failed, ending session")
		meta.EndedAt = time.Now()
		meta.EndCause = types.EndCauseContainerFault
		meta.ContainerOK = false
		s.rec.Seal(meta, nil, false)
		metrics.SessionsEndedTotal.WithLabelValues(s.svc.Name, string(meta.EndCause)).Inc()
		return
	}
	meta.MachineID = handle.MachineID
	meta.Template = handle.Template
	meta.ContainerOK = true

	strategy := strategyFor(s.svc)
	target, err := strategy.attach(ctx, handle)
	if err != nil {
		logger.Warn().Err(err).Str("machine_id", handle.MachineID).Msg("attach failed, releasing container")
		releaseCtx, rcancel := context.WithTimeout(context.Background(), s.global.DrainGrace)
		if releaseErr := s.pool.Release(releaseCtx, handle); releaseErr != nil {
			logger.Warn().Err(releaseErr).Msg("release after failed attach also failed")
		}
		rcancel()
		meta.EndedAt = time.Now()
		meta.EndCause = types.EndCauseContainerFault
		meta.ContainerOK = false
		s.rec.Seal(meta, nil, false)
		metrics.SessionsEndedTotal.WithLabelValues(s.svc.Name, string(meta.EndCause)).Inc()
		return
	}

	s.state = types.SessionAttached
	result := runPump(ctx, s.conn, target, pumpConfig{
		idleTimeout:        s.svc.Session.IdleTimeout,
		hardTimeout:        s.svc.Session.HardTimeout,
		maxBytes:           s.svc.Session.MaxBytes,
		recordBackpressure: s.global.RecordBackpressure,
		drainGrace:         s.global.DrainGrace,
	})

	s.state = types.SessionDraining
	releaseCtx, rcancel := context.WithTimeout(context.Background(), s.global.DrainGrace)
	if err := s.pool.Release(releaseCtx, handle); err != nil {
		logger.Warn().Err(err).Str("machine_id", handle.MachineID).Msg("container release failed")
	}
	rcancel()

	meta.EndedAt = time.Now()
	meta.BytesIn = result.bytesIn
	meta.BytesOut = result.bytesOut
	meta.EndCause = result.cause

	metrics.BytesTransferredTotal.WithLabelValues(s.svc.Name, "in").Add(float64(result.bytesIn))
	metrics.BytesTransferredTotal.WithLabelValues(s.svc.Name, "out").Add(float64(result.bytesOut))
	metrics.SessionsEndedTotal.WithLabelValues(s.svc.Name, string(meta.EndCause)).Inc()

	s.rec.Seal(meta, result.chunks, s.svc.Capture.PCAP)
	s.state = types.SessionEnded
}

func splitRemote(addr net.Addr) (net.IP, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, 0
	}
	return tcpAddr.IP, tcpAddr.Port
}

var entropySource = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func newSessionID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropySource)
	if err != nil {
		// ulid.New only fails on entropy exhaustion/monotonic overflow;
		// neither is possible with a fresh math/rand source per process.
		panic(err)
	}
	return id.String()
}
