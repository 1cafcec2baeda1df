package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/kr/pty"

	"github.com/cuemby/miel/pkg/errs"
	"github.com/cuemby/miel/pkg/types"
)

// captureStrategy is a closed, tagged variant (spec §9 design note: no
// open interface) selecting how a Session's attacker socket is wired to
// its container. The only two members are ptyCapture and pipeCapture;
// attach is unexported so nothing outside this package can add a third.
type captureStrategy interface {
	attach(ctx context.Context, handle types.ContainerHandle) (io.ReadWriteCloser, error)
}

// strategyFor selects ptyCapture for services with an interactive
// sub-stream (SSH) and pipeCapture for raw byte services (HTTP), per the
// "choice is declared per service" rule in spec §4.3.
func strategyFor(svc types.ServiceConfig) captureStrategy {
	if svc.Capture.PTY {
		return ptyCapture{}
	}
	return pipeCapture{}
}

// pipeCapture wires the attacker socket directly to a plain TCP connect
// against the container's internal endpoint — no local capture surface
// beyond the byte pump's own tee.
type pipeCapture struct{}

func (pipeCapture) attach(ctx context.Context, handle types.ContainerHandle) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", handle.AttachEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrAttachFailed, handle.AttachEndpoint, err)
	}
	return conn, nil
}

// ptyCapture interposes a local pseudo-terminal between the attacker
// socket and the container connection for protocols that expose an
// interactive sub-stream (SSH). The PTY master is what the byte pump
// tees; a background goroutine relays the PTY slave to the real
// container TCP connection so the full round trip still happens.
type ptyCapture struct{}

func (ptyCapture) attach(ctx context.Context, handle types.ContainerHandle) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", handle.AttachEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrAttachFailed, handle.AttachEndpoint, err)
	}

	master, slave, err := pty.Open()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: open pty for %s: %v", errs.ErrAttachFailed, handle.MachineID, err)
	}

	relay := &ptyRelay{master: master, slave: slave, conn: conn}
	go relay.run()
	return relay, nil
}

// ptyRelay bridges a PTY slave and the real container connection, and
// exposes the master as the Session's attach point. Closing it tears
// down all three legs.
type ptyRelay struct {
	master, slave *os.File
	conn          net.Conn
}

func (r *ptyRelay) run() {
	done := make(chan struct{}, 2)
	go func() { io.Copy(r.slave, r.conn); done <- struct{}{} }()
	go func() { io.Copy(r.conn, r.slave); done <- struct{}{} }()
	<-done
}

func (r *ptyRelay) Read(p []byte) (int, error)  { return r.master.Read(p) }
func (r *ptyRelay) Write(p []byte) (int, error) { return r.master.Write(p) }

func (r *ptyRelay) Close() error {
	r.conn.Close()
	r.slave.Close()
	return r.master.Close()
}
