// Package pool manages the warm pool of systemd-nspawn containers backing
// each honeypot service: spawning ahead of demand, probing liveness, and
// tearing down idempotently on release.
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	cgroups "github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/machine1"

	"github.com/cuemby/miel/pkg/errs"
	"github.com/cuemby/miel/pkg/firewall"
	"github.com/cuemby/miel/pkg/health"
	"github.com/cuemby/miel/pkg/types"
)

// overlayRoot is where materialized container root filesystems live,
// layered over each service's read-only ContainerTemplate.
const overlayRoot = "/var/lib/miel/overlays"

// nspawnDriver is the low-level machine lifecycle surface Pool drives. It
// is an interface so tests can fake it without a real systemd/nspawn host.
type nspawnDriver interface {
	Spawn(ctx context.Context, svc types.ServiceConfig) (types.ContainerHandle, error)
	Destroy(ctx context.Context, handle types.ContainerHandle) error
}

// Driver is nspawnDriver's exported form, for callers outside this package
// (pkg/controller's tests) that need to hand NewWithDriver a fake.
type Driver = nspawnDriver

// systemdNspawnDriver drives systemd-nspawn machines over D-Bus: StartUnit
// on the systemd-nspawn@.service template to boot a machine, machine1 to
// resolve its address once registered, and machine1's TerminateMachine
// (followed by StopUnit) to terminate it. This is the same dbus/machine1 pairing
// Xuanwo's nomad systemd-nspawn driver uses, adapted from a one-shot batch
// driver into a pool that spawns ahead of demand.
type systemdNspawnDriver struct {
	systemd  *dbus.Conn
	machine  *machine1.Conn
	firewall *firewall.Manager
}

// newSystemdNspawnDriver dials the system D-Bus and systemd-machined.
// logSinkAddr is passed straight through to the firewall Manager so every
// container's egress-DROP chain still allows its own session traffic to
// reach the recorder's log sink.
func newSystemdNspawnDriver(logSinkAddr string) (*systemdNspawnDriver, error) {
	systemd, err := dbus.NewSystemConnectionContext(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: connect system dbus: %v", errs.ErrPrivilege, err)
	}
	machine, err := machine1.New()
	if err != nil {
		systemd.Close()
		return nil, fmt.Errorf("%w: connect systemd-machined: %v", errs.ErrPrivilege, err)
	}
	return &systemdNspawnDriver{systemd: systemd, machine: machine, firewall: firewall.NewManager(logSinkAddr)}, nil
}

func (d *systemdNspawnDriver) close() {
	d.systemd.Close()
}

// Spawn materializes an overlay root for svc, boots it as an nspawn
// machine, applies its cgroup quota, and waits for the service port to
// answer before returning. Implements spec §4.1 steps 1-5.
func (d *systemdNspawnDriver) Spawn(ctx context.Context, svc types.ServiceConfig) (types.ContainerHandle, error) {
	machineName := fmt.Sprintf("miel-%s-%s", svc.Name, randSuffix())
	root := filepath.Join(overlayRoot, machineName)

	if err := materializeOverlay(svc.ContainerTemplate, root); err != nil {
		return types.ContainerHandle{}, fmt.Errorf("%w: materialize overlay for %s: %v", errs.ErrSpawnFailed, machineName, err)
	}

	bridge := bridgeName(svc)
	if err := ensureBridge(bridge); err != nil {
		return types.ContainerHandle{}, fmt.Errorf("%w: ensure bridge %s for %s: %v", errs.ErrSpawnFailed, bridge, machineName, err)
	}

	unit := fmt.Sprintf("systemd-nspawn@%s.service", machineName)
	if err := os.WriteFile(nspawnUnitOverridePath(machineName), nspawnUnitOverride(root, bridge), 0644); err != nil {
		return types.ContainerHandle{}, fmt.Errorf("%w: write nspawn unit for %s: %v", errs.ErrSpawnFailed, machineName, err)
	}

	done := make(chan string, 1)
	if _, err := d.systemd.StartUnitContext(ctx, unit, "replace", done); err != nil {
		return types.ContainerHandle{}, fmt.Errorf("%w: start unit %s: %v", errs.ErrSpawnFailed, unit, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return types.ContainerHandle{}, fmt.Errorf("%w: unit %s finished with %q", errs.ErrSpawnFailed, unit, result)
		}
	case <-ctx.Done():
		return types.ContainerHandle{}, fmt.Errorf("%w: %v", errs.ErrSpawnFailed, ctx.Err())
	}

	if err := applyCgroupQuota(machineName); err != nil {
		_ = d.Destroy(ctx, types.ContainerHandle{MachineID: machineName})
		return types.ContainerHandle{}, fmt.Errorf("%w: apply cgroup quota for %s: %v", errs.ErrSpawnFailed, machineName, err)
	}

	addr, err := d.resolveAddress(machineName)
	if err != nil {
		_ = d.Destroy(ctx, types.ContainerHandle{MachineID: machineName})
		return types.ContainerHandle{}, fmt.Errorf("%w: resolve address for %s: %v", errs.ErrSpawnFailed, machineName, err)
	}

	endpoint := fmt.Sprintf("%s:%d", addr.String(), svc.Port)
	checker := health.NewTCPChecker(endpoint).WithTimeout(500 * time.Millisecond)
	if err := waitLiveness(ctx, checker); err != nil {
		_ = d.Destroy(ctx, types.ContainerHandle{MachineID: machineName})
		return types.ContainerHandle{}, fmt.Errorf("%w: liveness probe for %s: %v", errs.ErrSpawnFailed, machineName, err)
	}

	if err := d.firewall.Apply(vethName(machineName)); err != nil {
		_ = d.Destroy(ctx, types.ContainerHandle{MachineID: machineName})
		return types.ContainerHandle{}, fmt.Errorf("%w: apply egress policy for %s: %v", errs.ErrSpawnFailed, machineName, err)
	}

	return types.ContainerHandle{
		MachineID:      machineName,
		Template:       svc.ContainerTemplate,
		InternalIP:     addr,
		AttachEndpoint: endpoint,
		State:          types.ContainerReady,
		Service:        svc.Name,
		CreatedAt:      time.Now(),
	}, nil
}

// Destroy is idempotent: terminating an already-gone machine is not an
// error, matching the "release must be safe to call twice" invariant.
func (d *systemdNspawnDriver) Destroy(ctx context.Context, handle types.ContainerHandle) error {
	if err := d.machine.TerminateMachine(handle.MachineID); err != nil && !isAlreadyGone(err) {
		return fmt.Errorf("terminate machine %s: %w", handle.MachineID, err)
	}

	unit := fmt.Sprintf("systemd-nspawn@%s.service", handle.MachineID)
	done := make(chan string, 1)
	if _, err := d.systemd.StopUnitContext(ctx, unit, "replace", done); err != nil && !isAlreadyGone(err) {
		return fmt.Errorf("stop unit %s: %w", unit, err)
	} else if err == nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	root := filepath.Join(overlayRoot, handle.MachineID)
	if err := syscall.Unmount(root, syscall.MNT_DETACH); err != nil && !os.IsNotExist(err) {
		// Overlay may already be torn down by the unit's ExecStopPost; a
		// dangling mount is a leak, not a fatal teardown error.
	}
	_ = os.RemoveAll(root)
	_ = os.Remove(nspawnUnitOverridePath(handle.MachineID))
	_ = d.firewall.Teardown(vethName(handle.MachineID))

	return nil
}

// vethName derives the host-side veth systemd-nspawn creates for a
// bridged machine. nspawn truncates to the kernel's 15-byte interface
// name limit as "ve-<name>"; miel's machine names are always short
// enough ("miel-<service>-<6 chars>" trimmed) that this never collides
// within a single process's lifetime.
func vethName(machineName string) string {
	name := "ve-" + machineName
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// bridgeName resolves the host bridge a service's containers peer their
// veth to (spec §4.1 step 3: one isolated L2 domain per service, so one
// compromised container can't reach another service's containers even
// before the firewall chain is considered). Same truncate-to-15-byte
// rule as vethName, since this is a kernel interface name too.
func bridgeName(svc types.ServiceConfig) string {
	name := svc.Bridge
	if name == "" {
		name = "miel-br-" + svc.Name
	}
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// ensureBridge creates the named bridge and brings it up if it doesn't
// already exist. It's idempotent: "ip link add" on an existing bridge
// fails with EEXIST, which runIPLink treats the same as success.
func ensureBridge(name string) error {
	if err := runIPLink("link", "add", name, "type", "bridge"); err != nil {
		return err
	}
	return runIPLink("link", "set", name, "up")
}

func runIPLink(args ...string) error {
	cmd := exec.Command("ip", args...)
	output, err := cmd.CombinedOutput()
	if err != nil && !strings.Contains(string(output), "File exists") {
		return fmt.Errorf("ip %v: %w (output: %s)", args, err, string(output))
	}
	return nil
}

// resolveAddress asks systemd-machined for the machine's first assigned
// address on its internal veth.
func (d *systemdNspawnDriver) resolveAddress(machineName string) (net.IP, error) {
	path, err := d.machine.GetMachine(machineName)
	if err != nil {
		return nil, fmt.Errorf("get machine %s: %w", machineName, err)
	}
	addrs, err := d.machine.GetMachineAddresses(path)
	if err != nil {
		return nil, fmt.Errorf("get machine addresses %s: %w", machineName, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a.Address); ip != nil {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("machine %s reported no usable address", machineName)
}

// waitLiveness waits for a freshly booted machine's service port to accept
// connections, via health.WaitHealthy's poll loop rather than a hand-rolled
// one. livenessPollInterval is tighter than health.DefaultConfig's 30s
// steady-state interval: a machine that's going to come up does so in low
// hundreds of milliseconds. The wait is bounded by livenessProbeWindow (or
// by ctx, if it ends first).
func waitLiveness(ctx context.Context, checker *health.TCPChecker) error {
	ctx, cancel := context.WithTimeout(ctx, livenessProbeWindow)
	defer cancel()
	_, err := health.WaitHealthy(ctx, checker, health.Config{Interval: livenessPollInterval})
	return err
}

const (
	livenessPollInterval = 100 * time.Millisecond
	livenessProbeWindow  = 2 * time.Second
)

// materializeOverlay mounts an overlayfs for the machine's root: the
// service's ContainerTemplate as the read-only lower, with a fresh
// upper/work pair per machine so concurrent spawns of the same template
// never share mutable state.
func materializeOverlay(template, root string) error {
	upper := filepath.Join(root, "upper")
	work := filepath.Join(root, "work")
	merged := filepath.Join(root, "merged")
	for _, dir := range []string{upper, work, merged} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", template, upper, work)
	if err := syscall.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mount overlay at %s: %w", merged, err)
	}
	return nil
}

// applyCgroupQuota loads the cgroup systemd-nspawn created for the machine,
// pins CPU/memory limits on it, and locks the devices controller down to
// DevicePolicy=closed: deny everything by default, allow back only the
// handful of pseudo-devices a normal userspace process needs (null, zero,
// full, the RNGs, and the tty/pts families). This is the cgroup-level
// equivalent of a unit's DevicePolicy=closed/DeviceAllow= pair; nspawn
// starts the machine through the systemd-nspawn@.service template rather
// than a transient unit with properties, so it's applied here instead of
// in the .nspawn settings file. nspawn always creates machine.slice scopes
// under the machine manager's cgroup, so the path is derivable from the
// machine name alone.
func applyCgroupQuota(machineName string) error {
	scope := fmt.Sprintf("machine-%s.scope", machineName)
	quota := int64(50000) // 50ms of every 100ms period, i.e. half a core
	period := uint64(100000)
	memLimit := int64(256 * 1024 * 1024)

	control, err := cgroups.Load(cgroups.V1, cgroups.Slice("machine.slice", scope))
	if err != nil {
		return fmt.Errorf("load cgroup for %s: %w", scope, err)
	}
	return control.Update(&specs.LinuxResources{
		CPU:     &specs.LinuxCPU{Quota: &quota, Period: &period},
		Memory:  &specs.LinuxMemory{Limit: &memLimit},
		Devices: restrictedDevicePolicy(),
	})
}

// restrictedDevicePolicy is DevicePolicy=closed expressed as an OCI device
// cgroup rule set: a catch-all deny followed by the minimum allowlist a
// booted userspace needs (the null/zero/full/random pseudo-devices and the
// tty/pts families), matching the device access a stock systemd-nspawn
// container is given minus anything privileged (no /dev/mem, no loop
// devices, no raw disks).
func restrictedDevicePolicy() []specs.LinuxDeviceCgroup {
	minor := func(v int64) *int64 { return &v }
	major := func(v int64) *int64 { return &v }
	return []specs.LinuxDeviceCgroup{
		{Allow: false, Access: "rwm"}, // deny all, then allow back a minimum
		{Allow: true, Type: "c", Major: major(1), Minor: minor(3), Access: "rwm"},  // /dev/null
		{Allow: true, Type: "c", Major: major(1), Minor: minor(5), Access: "rwm"},  // /dev/zero
		{Allow: true, Type: "c", Major: major(1), Minor: minor(7), Access: "rwm"},  // /dev/full
		{Allow: true, Type: "c", Major: major(1), Minor: minor(8), Access: "rwm"},  // /dev/random
		{Allow: true, Type: "c", Major: major(1), Minor: minor(9), Access: "rwm"},  // /dev/urandom
		{Allow: true, Type: "c", Major: major(5), Minor: minor(0), Access: "rwm"},  // /dev/tty
		{Allow: true, Type: "c", Major: major(5), Minor: minor(1), Access: "rwm"},  // /dev/console
		{Allow: true, Type: "c", Major: major(5), Minor: minor(2), Access: "rwm"},  // /dev/ptmx
		{Allow: true, Type: "c", Major: major(136), Access: "rwm"},                 // /dev/pts/*
	}
}

func nspawnUnitOverridePath(machineName string) string {
	return filepath.Join("/etc/systemd/nspawn", machineName+".nspawn")
}

// nspawnUnitOverride renders the per-machine .nspawn drop-in implementing
// spec §4.1 step 3's sanitation contract: the machine boots with its own
// UID range (PrivateUsers=, host-mapped user namespace), no inherited
// privileges and a capability bounding set trimmed to what a booted init
// needs, and its only network access is a private veth peered to the
// service's isolated Bridge — never the host's default zone. It also
// points systemd-nspawn@.service at the materialized overlay root instead
// of the default /var/lib/machines/<name> convention.
//
// ReadOnly=yes is deliberately not set here: the overlay already gives the
// container a read-only lower (ContainerTemplate) with a writable upper
// scoped to this one machine, so nspawn's own root-readonly switch would
// just fight the overlay's upperdir instead of adding isolation.
// DevicePolicy=closed has no .nspawn-file equivalent nspawn will honor
// through the systemd-nspawn@.service template, so it's applied at the
// cgroup level instead (see applyCgroupQuota/restrictedDevicePolicy).
func nspawnUnitOverride(root, bridge string) []byte {
	merged := filepath.Join(root, "merged")
	return []byte(strings.Join([]string{
		"[Exec]",
		"Boot=true",
		"PrivateUsers=yes",
		"NoNewPrivileges=yes",
		"DropCapability=all",
		"Capability=CAP_CHOWN CAP_DAC_OVERRIDE CAP_FOWNER CAP_FSETID CAP_KILL CAP_NET_BIND_SERVICE CAP_SETGID CAP_SETUID CAP_SYS_CHROOT CAP_AUDIT_WRITE",
		"",
		"[Network]",
		"Private=yes",
		"VirtualEthernet=yes",
		"Bridge=" + bridge,
		"",
		"[Files]",
		"Bind=" + merged + ":/",
		"",
	}, "\n"))
}

func isAlreadyGone(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

func randSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
