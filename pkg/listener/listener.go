// Package listener binds one socket per configured service and turns
// accepted connections into Sessions, applying the IP/port/protocol
// admission filter and the global max_sessions cap before handing off
// (spec §4.2). Listeners never block on the container pool: acquisition
// happens inside the Session task so accept throughput is never gated by
// Pool replenishment.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cuemby/miel/pkg/errs"
	"github.com/cuemby/miel/pkg/log"
	"github.com/cuemby/miel/pkg/metrics"
	"github.com/cuemby/miel/pkg/types"
)

// runner is the subset of *session.Session a dispatched connection needs.
// Declared locally (rather than importing pkg/session's concrete type)
// so listener's own tests can supply a fake.
type runner interface {
	Run(ctx context.Context)
}

// Factory builds the Session that will own an accepted connection. The
// Controller supplies the concrete implementation (session.New, adapted
// to this signature) so listener never needs to know about pkg/pool or
// pkg/recorder.
type Factory func(conn net.Conn, svc types.ServiceConfig, localPort int) runner

// Set owns one bound listener per configured TCP service.
type Set struct {
	factory     Factory
	maxSessions int32

	mu         sync.Mutex
	listeners  []*serviceListener
	live       int32
	acceptCtx  context.Context
	sessionCtx context.Context

	wg        sync.WaitGroup // accept loops
	sessionWG sync.WaitGroup // dispatched Sessions, for graceful-drain waits
}

// NewSet constructs an empty Listener Set. Bind each service, then call
// Start once; any Bind after Start (a SIGHUP reload adding a service)
// launches that listener's accept loop immediately instead of waiting
// for another Start call, so reload never re-dispatches already-running
// listeners.
func NewSet(factory Factory, maxSessions int) *Set {
	return &Set{factory: factory, maxSessions: int32(maxSessions)}
}

// Bind opens the listening socket for one service. Only TransportTCP is
// supported; callers must reject TransportUDP services before Bind (the
// Controller does this at boot with a config_invalid error, per the
// resolved open question on UDP support).
func (s *Set) Bind(svc types.ServiceConfig) error {
	if svc.Transport != types.TransportTCP {
		return fmt.Errorf("%w: listener set only binds tcp, got %s for service %s", errs.ErrBindFailed, svc.Transport, svc.Name)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", svc.Port))
	if err != nil {
		return fmt.Errorf("%w: bind %s on port %d: %v", errs.ErrBindFailed, svc.Name, svc.Port, err)
	}

	sl := &serviceListener{svc: svc, ln: ln, set: s}

	s.mu.Lock()
	s.listeners = append(s.listeners, sl)
	acceptCtx, sessionCtx := s.acceptCtx, s.sessionCtx
	s.mu.Unlock()

	if acceptCtx != nil {
		s.runListener(sl, acceptCtx, sessionCtx)
	}
	return nil
}

// Start launches the accept loop for every listener bound so far, and
// remembers acceptCtx/sessionCtx so any later Bind (SIGHUP adding a
// service) starts itself the same way. acceptCtx cancellation (or
// Shutdown) stops accepting; sessionCtx is handed to every dispatched
// Session.Run and is deliberately separate — the Controller cancels it
// only after the drain deadline elapses, so in-flight Sessions get a
// grace period before being force closed (spec §4.6).
func (s *Set) Start(acceptCtx, sessionCtx context.Context) {
	s.mu.Lock()
	s.acceptCtx, s.sessionCtx = acceptCtx, sessionCtx
	listeners := append([]*serviceListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, sl := range listeners {
		s.runListener(sl, acceptCtx, sessionCtx)
	}
}

func (s *Set) runListener(sl *serviceListener, acceptCtx, sessionCtx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sl.acceptLoop(acceptCtx, sessionCtx)
	}()
}

// DrainSessions waits for every dispatched Session to finish, up to ctx's
// deadline. It returns true if every Session finished on its own; false
// means ctx expired with Sessions still live and the caller should
// cancel its sessionCtx to force them closed.
func (s *Set) DrainSessions(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.sessionWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// LiveSessions reports the current live-session count, for `miel status`
// and tests.
func (s *Set) LiveSessions() int32 {
	return atomic.LoadInt32(&s.live)
}

// Shutdown stops accepting new connections by closing every bound
// socket. In-flight Sessions are untouched — the Controller drains those
// separately (spec §4.6 shutdown sequence).
func (s *Set) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.listeners {
		sl.ln.Close()
	}
	s.wg.Wait()
}

// serviceListener is one bound socket and its admission policy.
type serviceListener struct {
	svc types.ServiceConfig
	ln  net.Listener
	set *Set
}

func (sl *serviceListener) acceptLoop(acceptCtx, sessionCtx context.Context) {
	logger := log.WithService(sl.svc.Name)
	for {
		conn, err := sl.ln.Accept()
		if err != nil {
			select {
			case <-acceptCtx.Done():
				return
			default:
			}
			logger.Warn().Err(err).Msg("accept failed")
			return
		}

		if atomic.LoadInt32(&sl.set.live) >= sl.set.maxSessions {
			metrics.AdmissionDroppedTotal.WithLabelValues(sl.svc.Name, "max_sessions").Inc()
			conn.Close()
			continue
		}

		if !sl.evaluateFilter(conn.RemoteAddr()) {
			metrics.AdmissionDroppedTotal.WithLabelValues(sl.svc.Name, "filter_denied").Inc()
			conn.Close()
			continue
		}

		atomic.AddInt32(&sl.set.live, 1)
		sl.set.sessionWG.Add(1)
		s := sl.set.factory(conn, sl.svc, sl.port())
		go func() {
			defer sl.set.sessionWG.Done()
			defer atomic.AddInt32(&sl.set.live, -1)
			s.Run(sessionCtx)
		}()
	}
}

func (sl *serviceListener) port() int {
	if tcpAddr, ok := sl.ln.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return sl.svc.Port
}

// evaluateFilter walks svc.Filters in declaration order and returns
// whether remote is admitted. An empty rule list, or no matching rule,
// defaults to allow (the filter is an exception list, not a default-deny
// firewall — that job belongs to pkg/firewall's egress chain).
func (sl *serviceListener) evaluateFilter(remote net.Addr) bool {
	tcpAddr, ok := remote.(*net.TCPAddr)
	if !ok {
		return true
	}
	for _, rule := range sl.svc.Filters {
		if rule.CIDR == "" {
			return rule.Action == types.ActionAllow
		}
		_, network, err := net.ParseCIDR(rule.CIDR)
		if err != nil {
			continue
		}
		if network.Contains(tcpAddr.IP) {
			return rule.Action == types.ActionAllow
		}
	}
	return true
}
