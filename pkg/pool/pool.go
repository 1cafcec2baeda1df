package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/miel/pkg/errs"
	"github.com/cuemby/miel/pkg/log"
	"github.com/cuemby/miel/pkg/metrics"
	"github.com/cuemby/miel/pkg/types"
)

// burstAllowance is ε from the Pool State invariant |Q| + S ≤ T + ε.
const burstAllowance = 1

// circuitBreakerThreshold is K: consecutive spawn failures before a
// service's auto-spawning pauses.
const circuitBreakerThreshold = 5

// circuitBreakerCooldown is how long auto-spawning stays paused once the
// breaker opens.
const circuitBreakerCooldown = 30 * time.Second

const terminateGrace = 5 * time.Second

// servicePool tracks one ServiceConfig's ready queue, in-flight spawn
// count, and circuit breaker state. All fields are guarded by mu.
type servicePool struct {
	mu sync.Mutex

	svc     types.ServiceConfig
	ready   []types.ContainerHandle
	waiters []chan types.ContainerHandle

	spawning            int
	consecutiveFailures int
	circuitOpenUntil    time.Time
	lastError           string

	replenish chan struct{}
}

// Pool owns the warm container pool for every configured service. It never
// hands a container back to the ready queue: release always destroys
// (spec §4.1's "never returns to ready queue" contract), and the
// replenishment loop restores the target independently.
type Pool struct {
	driver nspawnDriver

	mu       sync.Mutex
	services map[string]*servicePool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New constructs a Pool that drives containers over the real
// systemd-nspawn/D-Bus stack. logSinkAddr is the recorder's log sink
// address, always allowed through each container's egress-DROP chain.
func New(logSinkAddr string) (*Pool, error) {
	driver, err := newSystemdNspawnDriver(logSinkAddr)
	if err != nil {
		return nil, err
	}
	return newWithDriver(driver), nil
}

// NewWithDriver builds a Pool against an arbitrary Driver implementation,
// bypassing the real systemd-nspawn/D-Bus dial in New. Exported so other
// packages' tests (pkg/controller) can stand up a Pool without a real
// nspawn host.
func NewWithDriver(driver Driver) *Pool {
	return newWithDriver(driver)
}

func newWithDriver(driver nspawnDriver) *Pool {
	return &Pool{
		driver:   driver,
		services: make(map[string]*servicePool),
		stopCh:   make(chan struct{}),
	}
}

// Start registers services and launches one replenishment task per
// service, pre-warming each to its PoolTarget. Implements the "background
// replenishment task per service, wakes on startup/acquire/destroy"
// algorithm in spec §4.1.
func (p *Pool) Start(ctx context.Context, services []types.ServiceConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, svc := range services {
		sp := &servicePool{svc: svc, replenish: make(chan struct{}, 1)}
		p.services[svc.Name] = sp
		p.wg.Add(1)
		go p.replenishLoop(ctx, sp)
		wake(sp.replenish)
	}
}

// Stop halts replenishment and destroys every ready (never acquired)
// container, leaving attached containers to Session's own release path.
func (p *Pool) Stop(ctx context.Context) {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sp := range p.services {
		sp.mu.Lock()
		ready := sp.ready
		sp.ready = nil
		sp.mu.Unlock()
		for _, h := range ready {
			destroyCtx, cancel := context.WithTimeout(ctx, terminateGrace)
			if err := p.driver.Destroy(destroyCtx, h); err != nil {
				log.Logger.Warn().Err(err).Str("machine_id", h.MachineID).Msg("destroy on shutdown failed")
			}
			cancel()
		}
	}
}

// Acquire pops a Ready container for service, waiting up to
// AcquireDeadline for replenishment if the queue is momentarily empty.
func (p *Pool) Acquire(ctx context.Context, service string, acquireDeadline time.Duration) (types.ContainerHandle, error) {
	sp, err := p.serviceOf(service)
	if err != nil {
		return types.ContainerHandle{}, err
	}

	sp.mu.Lock()
	if len(sp.ready) > 0 {
		h := sp.ready[0]
		sp.ready = sp.ready[1:]
		metrics.PoolReady.WithLabelValues(service).Set(float64(len(sp.ready)))
		sp.mu.Unlock()
		wake(sp.replenish)
		return h, nil
	}
	if circuitOpen(sp) {
		lastErr := sp.lastError
		sp.mu.Unlock()
		return types.ContainerHandle{}, fmt.Errorf("%w: circuit open for %s (%s)", errs.ErrSpawnFailed, service, lastErr)
	}
	waiter := make(chan types.ContainerHandle, 1)
	sp.waiters = append(sp.waiters, waiter)
	sp.mu.Unlock()
	wake(sp.replenish)

	deadline := time.NewTimer(acquireDeadline)
	defer deadline.Stop()
	select {
	case h := <-waiter:
		return h, nil
	case <-deadline.C:
		return types.ContainerHandle{}, fmt.Errorf("%w: no ready container for %s within %s", errs.ErrPoolExhausted, service, acquireDeadline)
	case <-ctx.Done():
		return types.ContainerHandle{}, ctx.Err()
	}
}

// Release always destroys the handle — containers are never reused across
// sessions — then nudges the replenishment loop to restore the target.
func (p *Pool) Release(ctx context.Context, handle types.ContainerHandle) error {
	sp, err := p.serviceOf(handle.Service)
	if err != nil {
		return err
	}
	destroyCtx, cancel := context.WithTimeout(ctx, terminateGrace)
	defer cancel()
	err = p.driver.Destroy(destroyCtx, handle)
	wake(sp.replenish)
	if err != nil {
		return fmt.Errorf("destroy %s: %w", handle.MachineID, err)
	}
	return nil
}

// Probe returns a point-in-time snapshot for `miel status` and Prometheus.
func (p *Pool) Probe(service string) (types.ProbeSnapshot, error) {
	sp, err := p.serviceOf(service)
	if err != nil {
		return types.ProbeSnapshot{}, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return types.ProbeSnapshot{
		Service:     service,
		Ready:       len(sp.ready),
		Spawning:    sp.spawning,
		Target:      sp.svc.PoolTarget,
		CircuitOpen: circuitOpen(sp),
		LastError:   sp.lastError,
	}, nil
}

// Services returns the names of every configured service, for `miel
// status` to enumerate without needing the original Config.
func (p *Pool) Services() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.services))
	for name := range p.services {
		names = append(names, name)
	}
	return names
}

func (p *Pool) serviceOf(service string) (*servicePool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.services[service]
	if !ok {
		return nil, fmt.Errorf("%w: unknown service %q", errs.ErrPoolExhausted, service)
	}
	return sp, nil
}

// replenishLoop is the background task described in spec §4.1: it wakes
// on startup, successful acquire, and successful destroy (all funneled
// through sp.replenish), and spawns until |ready|+spawning >= target.
func (p *Pool) replenishLoop(ctx context.Context, sp *servicePool) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-sp.replenish:
		}

		for p.needsSpawn(sp) {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			p.spawnOne(ctx, sp)
		}
	}
}

func (p *Pool) needsSpawn(sp *servicePool) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if circuitOpen(sp) {
		return false
	}
	return len(sp.ready)+sp.spawning < sp.svc.PoolTarget
}

func (p *Pool) spawnOne(ctx context.Context, sp *servicePool) {
	sp.mu.Lock()
	sp.spawning++
	sp.mu.Unlock()
	metrics.PoolSpawning.WithLabelValues(sp.svc.Name).Inc()

	timer := metrics.NewTimer()
	handle, err := p.driver.Spawn(ctx, sp.svc)
	timer.ObserveDurationVec(metrics.SpawnDuration, sp.svc.Name)

	sp.mu.Lock()
	sp.spawning--
	metrics.PoolSpawning.WithLabelValues(sp.svc.Name).Dec()

	if err != nil {
		sp.consecutiveFailures++
		sp.lastError = err.Error()
		metrics.SpawnFailuresTotal.WithLabelValues(sp.svc.Name).Inc()
		if sp.consecutiveFailures >= circuitBreakerThreshold {
			sp.circuitOpenUntil = time.Now().Add(circuitBreakerCooldown)
			metrics.PoolCircuitOpen.WithLabelValues(sp.svc.Name).Set(1)
			log.Logger.Error().Str("service", sp.svc.Name).Int("failures", sp.consecutiveFailures).
				Msg("spawn circuit breaker open")
		}
		sp.mu.Unlock()
		return
	}

	sp.consecutiveFailures = 0
	sp.lastError = ""
	metrics.PoolCircuitOpen.WithLabelValues(sp.svc.Name).Set(0)

	var waiter chan types.ContainerHandle
	if len(sp.waiters) > 0 {
		waiter = sp.waiters[0]
		sp.waiters = sp.waiters[1:]
	} else {
		sp.ready = append(sp.ready, handle)
	}
	metrics.PoolReady.WithLabelValues(sp.svc.Name).Set(float64(len(sp.ready)))
	sp.mu.Unlock()

	if waiter != nil {
		waiter <- handle
	}
}

// circuitOpen must be called with sp.mu held.
func circuitOpen(sp *servicePool) bool {
	return !sp.circuitOpenUntil.IsZero() && time.Now().Before(sp.circuitOpenUntil)
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
