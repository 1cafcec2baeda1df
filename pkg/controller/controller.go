// Package controller wires the Pool, Listener Set, Recorder, and status
// server together and owns the process-wide boot, SIGHUP reload, and
// graceful shutdown sequences (spec §4.6).
package controller

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/miel/pkg/api"
	"github.com/cuemby/miel/pkg/config"
	"github.com/cuemby/miel/pkg/errs"
	"github.com/cuemby/miel/pkg/listener"
	"github.com/cuemby/miel/pkg/log"
	"github.com/cuemby/miel/pkg/metrics"
	"github.com/cuemby/miel/pkg/pool"
	"github.com/cuemby/miel/pkg/recorder"
	"github.com/cuemby/miel/pkg/session"
	"github.com/cuemby/miel/pkg/storage"
	"github.com/cuemby/miel/pkg/types"
)

// defaultStatusAddr is where the operator-only status/metrics endpoints
// bind. It is never one of the ports a [[service]] advertises to
// attackers.
const defaultStatusAddr = "127.0.0.1:9090"

// spoolMaxItems bounds the local bbolt spool independent of how many
// sessions are in flight.
const spoolMaxItems = 10000

// Controller is the top-level process object `cmd/miel run` constructs.
type Controller struct {
	cfg *config.Config

	pool      *pool.Pool
	store     *storage.SQLiteStore
	spool     *storage.Spool
	rec       *recorder.Recorder
	listeners *listener.Set
	status    *api.StatusServer
	httpSrv   *http.Server

	// sessionCtx is handed to every dispatched Session and has its own
	// lifetime, independent of the boot ctx passed to Start: Shutdown
	// cancels it only after the drain deadline elapses, so in-flight
	// Sessions get a grace period before being force closed.
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	mu       sync.Mutex
	services map[string]types.ServiceConfig
}

// New validates cfg and wires every component, but does not start
// anything — call Start to boot.
func New(cfg *config.Config) (*Controller, error) {
	// No configured external log sink yet (SPEC_FULL has no such config
	// key): the firewall's egress chain still accepts established/related
	// return traffic to the attacker, it just has nothing extra to allow.
	containerPool, err := pool.New("")
	if err != nil {
		return nil, err
	}
	return newWithPool(cfg, containerPool)
}

// newWithPool does the real wiring against an already-constructed Pool,
// factored out of New so tests can substitute a Pool built on
// pool.NewWithDriver's fake driver instead of dialing the real
// systemd/D-Bus stack.
func newWithPool(cfg *config.Config, containerPool *pool.Pool) (*Controller, error) {
	services := make(map[string]types.ServiceConfig, len(cfg.Services))
	for _, svc := range cfg.Services {
		if svc.Transport != types.TransportTCP {
			return nil, fmt.Errorf("%w: service %q requests unsupported transport %q (miel only binds tcp)",
				errs.ErrConfigInvalid, svc.Name, svc.Transport)
		}
		services[svc.Name] = svc
	}

	dataDir := filepath.Join(cfg.Global.LogDir, "storage")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create storage dir %s: %v", errs.ErrStorageFatal, dataDir, err)
	}
	store, err := storage.OpenSQLiteStore(dataDir)
	if err != nil {
		return nil, err
	}
	spoolDir := filepath.Join(cfg.Global.LogDir, "spool")
	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: create spool dir %s: %v", errs.ErrStorageFatal, spoolDir, err)
	}
	spool, err := storage.OpenSpool(spoolDir, spoolMaxItems)
	if err != nil {
		store.Close()
		return nil, err
	}
	rec := recorder.New(store, spool)

	sessionCtx, cancelSession := context.WithCancel(context.Background())
	c := &Controller{
		cfg:           cfg,
		pool:          containerPool,
		store:         store,
		spool:         spool,
		rec:           rec,
		services:      services,
		sessionCtx:    sessionCtx,
		cancelSession: cancelSession,
	}

	c.listeners = listener.NewSet(c.sessionFactory, cfg.Global.MaxSessions)
	for _, svc := range cfg.Services {
		if err := c.listeners.Bind(svc); err != nil {
			return nil, err
		}
	}
	c.status = api.NewStatusServer(c.pool)

	return c, nil
}

// sessionRunner is the narrow interface listener.Factory needs back.
type sessionRunner interface {
	Run(ctx context.Context)
}

// sessionFactory adapts session.New to the listener.Factory signature.
func (c *Controller) sessionFactory(conn net.Conn, svc types.ServiceConfig, localPort int) sessionRunner {
	return session.New(conn, svc, c.cfg.Global, c.pool, c.rec, localPort)
}

// Start runs the boot sequence from spec §4.6: launch the Recorder,
// prewarm the Pool to each service's target (waiting up to
// WarmDeadline for at least one Ready container per service), then
// start accepting connections and serving status.
func (c *Controller) Start(ctx context.Context) error {
	go c.rec.Run(ctx)

	c.pool.Start(ctx, c.cfg.Services)
	if err := c.waitWarm(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("warm deadline elapsed before every service reached Ready>=1")
		metrics.UpdateComponent("pool", false, err.Error())
	} else {
		metrics.UpdateComponent("pool", true, "")
	}

	c.listeners.Start(ctx, c.sessionCtx)
	metrics.UpdateComponent("listeners", true, "")

	c.httpSrv = c.status.Server(defaultStatusAddr)
	go func() {
		if err := c.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Debug().Err(err).Msg("status server stopped")
		}
	}()

	log.Logger.Info().Int("services", len(c.cfg.Services)).Msg("miel controller started")
	return nil
}

// waitWarm blocks until every service has at least one Ready container or
// WarmDeadline elapses, whichever comes first. It does not fail boot on
// timeout — a slow-to-warm service still starts accepting connections,
// it just serves container_fault sessions until its pool catches up.
func (c *Controller) waitWarm(ctx context.Context) error {
	deadline := time.NewTimer(c.cfg.Global.WarmDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.allServicesWarm() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("warm deadline %s elapsed", c.cfg.Global.WarmDeadline)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) allServicesWarm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.services {
		snap, err := c.pool.Probe(name)
		if err != nil || snap.Ready < 1 {
			return false
		}
	}
	return true
}

// Reload diffs next against the running service set (SIGHUP, spec §4.6):
// services present in next but not running are bound and pool-started.
// Services running but absent from next are only dropped from c.services:
// their listener stays bound and keeps dispatching new Sessions with the
// old ServiceConfig, and their pool keeps its containers, until process
// restart — unbinding a live socket is out of scope, only adds are applied
// without a restart. Existing Sessions are never touched.
func (c *Controller) Reload(ctx context.Context, next *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nextByName := make(map[string]types.ServiceConfig, len(next.Services))
	for _, svc := range next.Services {
		if svc.Transport != types.TransportTCP {
			return fmt.Errorf("%w: service %q requests unsupported transport %q", errs.ErrConfigInvalid, svc.Name, svc.Transport)
		}
		nextByName[svc.Name] = svc
	}

	var added []types.ServiceConfig
	for name, svc := range nextByName {
		if _, ok := c.services[name]; !ok {
			added = append(added, svc)
		}
	}

	var removed []string
	for name := range c.services {
		if _, ok := nextByName[name]; !ok {
			removed = append(removed, name)
		}
	}

	for _, svc := range added {
		// Bind self-starts its accept loop once the Set has already seen
		// Start (true here: Reload only runs post-boot), so no separate
		// Start call is needed or safe — calling Start again would
		// re-dispatch every already-running listener a second time.
		if err := c.listeners.Bind(svc); err != nil {
			return err
		}
		c.services[svc.Name] = svc
	}
	if len(added) > 0 {
		c.pool.Start(ctx, added)
	}

	for _, name := range removed {
		delete(c.services, name)
	}
	if len(removed) > 0 {
		log.Logger.Info().Strs("removed_services", removed).
			Msg("service removed from config; existing listener keeps running until process restart")
	}

	log.Logger.Info().Int("added", len(added)).Int("removed", len(removed)).Msg("config reloaded")
	return nil
}

// Shutdown runs spec §4.6's graceful sequence: stop accepting, wait up to
// DrainDeadline for live Sessions to finish on their own, force-close the
// rest by cancelling sessionCtx, then destroy every pooled container.
func (c *Controller) Shutdown(ctx context.Context) {
	log.Logger.Info().Msg("shutdown: closing listeners")
	c.listeners.Shutdown()
	metrics.UpdateComponent("listeners", false, "shutting down")

	if c.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = c.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}

	drainCtx, cancelDrain := context.WithTimeout(ctx, c.cfg.Global.DrainDeadline)
	if !c.listeners.DrainSessions(drainCtx) {
		log.Logger.Warn().Msg("drain deadline elapsed, forcing remaining sessions closed")
		c.cancelSession()
		c.listeners.DrainSessions(context.Background())
	}
	cancelDrain()

	log.Logger.Info().Msg("shutdown: destroying pooled containers")
	c.pool.Stop(ctx)

	c.store.Close()
	c.spool.Close()

	log.Logger.Info().Msg("shutdown complete")
}
