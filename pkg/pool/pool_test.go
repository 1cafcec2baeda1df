package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/miel/pkg/types"
)

// fakeDriver spawns instantly and records destroys, letting tests drive
// the Pool's FIFO/circuit-breaker/idempotency behavior without a real
// systemd-nspawn host.
type fakeDriver struct {
	mu         sync.Mutex
	destroyed  []string
	failSpawns bool
	spawnDelay time.Duration
}

func (f *fakeDriver) Spawn(ctx context.Context, svc types.ServiceConfig) (types.ContainerHandle, error) {
	if f.spawnDelay > 0 {
		select {
		case <-time.After(f.spawnDelay):
		case <-ctx.Done():
			return types.ContainerHandle{}, ctx.Err()
		}
	}
	f.mu.Lock()
	fail := f.failSpawns
	f.mu.Unlock()
	if fail {
		return types.ContainerHandle{}, errors.New("spawn failed (fake)")
	}
	return types.ContainerHandle{
		MachineID: "fake-" + svc.Name + "-" + time.Now().Format(time.RFC3339Nano),
		Service:   svc.Name,
		State:     types.ContainerReady,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeDriver) Destroy(ctx context.Context, handle types.ContainerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, handle.MachineID)
	return nil
}

func testService(name string, target int) types.ServiceConfig {
	return types.ServiceConfig{Name: name, Port: 2222, Transport: types.TransportTCP, PoolTarget: target}
}

func TestPoolPrewarmsToTarget(t *testing.T) {
	driver := &fakeDriver{}
	p := newWithDriver(driver)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, []types.ServiceConfig{testService("fake-ssh", 3)})

	require.Eventually(t, func() bool {
		snap, err := p.Probe("fake-ssh")
		return err == nil && snap.Ready == 3
	}, time.Second, 5*time.Millisecond)
}

func TestPoolAcquireReleaseNeverReturnsToReady(t *testing.T) {
	driver := &fakeDriver{}
	p := newWithDriver(driver)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, []types.ServiceConfig{testService("fake-ssh", 2)})
	require.Eventually(t, func() bool {
		snap, _ := p.Probe("fake-ssh")
		return snap.Ready == 2
	}, time.Second, 5*time.Millisecond)

	handle, err := p.Acquire(ctx, "fake-ssh", 250*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, handle))

	driver.mu.Lock()
	destroyedCount := len(driver.destroyed)
	driver.mu.Unlock()
	assert.Equal(t, 1, destroyedCount, "release must always destroy, never requeue")

	// Pool should replenish back to target after the release-triggered wake.
	require.Eventually(t, func() bool {
		snap, _ := p.Probe("fake-ssh")
		return snap.Ready == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPoolAcquireFailsFastWhenExhausted(t *testing.T) {
	driver := &fakeDriver{spawnDelay: time.Hour} // never completes within the test
	p := newWithDriver(driver)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, []types.ServiceConfig{testService("fake-ssh", 1)})

	start := time.Now()
	_, err := p.Acquire(ctx, "fake-ssh", 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestPoolCircuitBreakerOpensAfterThreshold(t *testing.T) {
	driver := &fakeDriver{failSpawns: true}
	p := newWithDriver(driver)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, []types.ServiceConfig{testService("fake-ssh", 1)})

	require.Eventually(t, func() bool {
		snap, _ := p.Probe("fake-ssh")
		return snap.CircuitOpen
	}, 2*time.Second, 5*time.Millisecond)

	_, err := p.Acquire(ctx, "fake-ssh", 20*time.Millisecond)
	require.Error(t, err)
}
