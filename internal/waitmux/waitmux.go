// Package waitmux implements the wait multiplexer from spec.md §4.4
// (C4): block until either the rendezvous peer connects or the
// mechanism terminates, without losing either event.
//
// spec.md models this as a pselect over a listening fd with the
// child-termination signal unmasked only inside the wait. Go has no
// raw non-blocking accept without dropping to syscall.RawConn, and
// spec.md §9 itself prescribes the structured-concurrency replacement:
// race an Accept goroutine against the childstatus channel via select.
// That is what WaitForPeer does.
//
// The rendezvous listener is reused across the elevation retry
// (spec.md §4.5: the unprivileged attempt and the elevated retry share
// one listener), so Accept must run exactly once for that listener's
// whole lifetime, not once per WaitForPeer call — two outstanding
// Accepts on the same listener race the same incoming connection, and
// whichever one loses is left blocked forever holding a connection
// nobody reads. Acceptor owns that single, persistent Accept.
package waitmux

import (
	"net"

	"github.com/MatrixAI/Privilege-Elevation/internal/childstatus"
)

// EventKind tags the result of WaitForPeer.
type EventKind int

const (
	// PeerReady means a peer connected on the rendezvous listener.
	PeerReady EventKind = iota
	// MechanismExit means the mechanism terminated before a peer
	// connected.
	MechanismExit
	// Fatal means the accept itself failed for a reason unrelated to
	// the mechanism's lifecycle (e.g. the listener was closed from
	// underneath us by an unrelated cleanup).
	Fatal
)

// Event is the outcome of one WaitForPeer call.
type Event struct {
	Kind EventKind
	Conn *net.UnixConn
	// Status is populated when Kind == MechanismExit.
	Status childstatus.Status
	// Err is populated when Kind == Fatal.
	Err error
}

// Acceptor runs a single Accept for the entire lifetime of a
// rendezvous listener. Construct one per listener, before the first
// WaitForPeer call, and reuse it across every retry that shares that
// listener; never construct a second Acceptor for the same listener.
type Acceptor struct {
	resultCh chan acceptResult
}

// NewAcceptor starts the listener's one and only Accept in the
// background and returns immediately.
func NewAcceptor(listener *net.UnixListener) *Acceptor {
	a := &Acceptor{resultCh: make(chan acceptResult, 1)}
	go func() {
		conn, err := listener.AcceptUnix()
		a.resultCh <- acceptResult{conn: conn, err: err}
	}()
	return a
}

// WaitForPeer races acceptor's outstanding Accept against statusCh, per
// spec.md §4.4's numbered loop:
//  1. the peer connects first -> PeerReady.
//  2. the mechanism reports ExitedOk (benign tiebreak: this can occur
//     between the mechanism's connect() and its sendmsg() under some
//     schedulings) -> keep waiting for the accept that must still be
//     in flight, rather than deciding the session on exit status alone.
//  3. the mechanism reports ExitedCode(NoPerm) -> MechanismExit with
//     that status, before any peer connected.
//  4. any other terminated status -> MechanismExit with that status.
//
// On MechanismExit the caller is expected to retry with a fresh
// statusCh but the SAME acceptor: the Accept that "lost" this round
// keeps running, still the only one outstanding on the listener, ready
// to be picked up by the next WaitForPeer call.
func WaitForPeer(acceptor *Acceptor, statusCh <-chan childstatus.Status) Event {
	for {
		select {
		case res := <-acceptor.resultCh:
			if res.err != nil {
				return Event{Kind: Fatal, Err: res.err}
			}
			return Event{Kind: PeerReady, Conn: res.conn}

		case status := <-statusCh:
			if status.Kind == childstatus.ExitedOk {
				// Benign tiebreak (spec.md §4.4 item 2): the
				// mechanism may exit 0 slightly before its
				// sendmsg is observed as a completed accept.
				// Keep waiting for the accept already in
				// flight instead of deciding here.
				continue
			}
			return Event{Kind: MechanismExit, Status: status}
		}
	}
}

type acceptResult struct {
	conn *net.UnixConn
	err  error
}
