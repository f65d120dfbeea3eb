// Package cleanup implements the always-runs teardown guard from
// spec.md §4.7 (C7): the rendezvous directory (and whatever is still
// listening or connected inside it) must be removed exactly once, on
// every exit path — normal return, error return, or an interrupting
// signal — the same guarantee the original C implementation got from
// atexit(3) plus an nftw(FTW_DEPTH|FTW_PHYS) walk over the socket
// directory.
//
// Go has no atexit(3); the idiomatic replacement is a guard value
// whose Close is both deferred at the top of launcher.Run and invoked from a
// dedicated os/signal goroutine, guarded so either caller only tears
// down once.
package cleanup

import (
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/willf/bitset"

	"github.com/MatrixAI/Privilege-Elevation/internal/rendezvous"
)

// Resource bits, tracked so Close only tears down what was actually
// armed — mirroring the original's guard on "unix_sock_dir && *unix_sock_dir"
// before walking it.
const (
	bitListener uint = iota
	bitRendezvousDir
	bitPeerConn
	bitDeviceFd
)

// Guard owns the resources a launcher run acquires and guarantees they
// are released exactly once, regardless of which exit path fires.
//
// The accepted peer connection and the descriptor received over it are
// armed separately: the connection is always guard-owned (spec.md §4.7
// lists it as a scope-bound resource), but the received device
// descriptor is only guard-owned until DisarmDeviceFD transfers it to
// the caller on a successful handoff — Close must never close an fd
// that has already been handed back to the launcher's caller.
type Guard struct {
	mu       sync.Mutex
	armed    *bitset.BitSet
	rv       *rendezvous.Rendezvous
	peerConn *net.UnixConn
	deviceFd int
	sigCh    chan os.Signal
	sigDone  chan struct{}
}

// New returns an unarmed Guard. Call Arm* as each resource is
// acquired, and Close (directly or via WatchSignals) to tear down.
func New() *Guard {
	return &Guard{armed: bitset.New(4), deviceFd: -1}
}

// ArmRendezvous records rv as owned by the guard.
func (g *Guard) ArmRendezvous(rv *rendezvous.Rendezvous) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rv = rv
	g.armed.Set(bitRendezvousDir)
	if rv.Listener != nil {
		g.armed.Set(bitListener)
	}
}

// ArmPeerConn records the accepted rendezvous connection as owned by
// the guard, so a signal arriving between accept and the end of C6
// still closes it.
func (g *Guard) ArmPeerConn(conn *net.UnixConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peerConn = conn
	g.armed.Set(bitPeerConn)
}

// ArmDeviceFD records fd as an open descriptor the guard must close if
// the run terminates before the fd is handed off. Callers that
// successfully hand the descriptor to their own caller must pair this
// with DisarmDeviceFD.
func (g *Guard) ArmDeviceFD(fd int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deviceFd = fd
	g.armed.Set(bitDeviceFd)
}

// DisarmDeviceFD releases the guard's claim on the armed device
// descriptor without closing it, transferring ownership to the
// caller. It is a no-op if no device fd is currently armed.
func (g *Guard) DisarmDeviceFD() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed.Clear(bitDeviceFd)
	g.deviceFd = -1
}

// WatchSignals installs a handler for sig that closes the guard and
// re-raises the signal against the default disposition, per spec.md
// §4.7 ("cleanup must run before the process dies of the signal, but
// the signal's ultimate effect on the exit status must be preserved").
// It returns a stop function that must be called once no more
// signal-driven cleanup is needed (normal exit paths still call Close
// directly; WatchSignals only covers interruption).
func (g *Guard) WatchSignals(sig ...os.Signal) (stop func()) {
	g.sigCh = make(chan os.Signal, 1)
	g.sigDone = make(chan struct{})
	signal.Notify(g.sigCh, sig...)

	go func() {
		select {
		case s := <-g.sigCh:
			g.Close()
			signal.Reset(s)
			if unixSig, ok := s.(syscall.Signal); ok {
				_ = syscall.Kill(os.Getpid(), unixSig)
			}
		case <-g.sigDone:
		}
	}()

	return func() {
		signal.Stop(g.sigCh)
		close(g.sigDone)
	}
}

// Close tears down every armed resource exactly once. It is safe to
// call concurrently (from a deferred call in launcher.Run and from the
// signal-watching goroutine) and safe to call more than once.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if g.armed.Test(bitPeerConn) {
		record(g.peerConn.Close())
		g.armed.Clear(bitPeerConn)
	}
	if g.armed.Test(bitDeviceFd) {
		record(closeFD(g.deviceFd))
		g.armed.Clear(bitDeviceFd)
	}
	if g.armed.Test(bitListener) {
		record(g.rv.CloseListener())
		g.armed.Clear(bitListener)
	}
	if g.armed.Test(bitRendezvousDir) {
		record(g.rv.Remove())
		g.armed.Clear(bitRendezvousDir)
	}
	return firstErr
}

func closeFD(fd int) error {
	if fd < 0 {
		return nil
	}
	return syscall.Close(fd)
}
