// Package rendezvous constructs and tears down the private IPC meeting
// point (C1 in spec.md §4.1): a freshly created temporary directory and
// a stream socket listening inside it for exactly one peer.
package rendezvous

import (
	"fmt"
	"net"
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	errs "github.com/MatrixAI/Privilege-Elevation/internal/errors"
)

// directoryPrefix and socketName reproduce the literal values from
// _examples/original_source/src/privilege-elevation.c.
const (
	directoryPrefix = "polkit_demo."
	socketName      = "socket.sock"
)

// maxSockaddrPath is the usable length of a unix.RawSockaddrUnix.Path
// field (sizeof(sun_path) minus the implementation's reserved NUL
// terminator byte), i.e. the boundary spec.md §8 calls out: "Rendezvous
// path length exactly at the socket-address limit succeeds; one byte
// over fails."
const maxSockaddrPath = len(unix.RawSockaddrUnix{}.Path) - 1

// Rendezvous owns the created directory and the listening socket bound
// inside it, from construction until Remove.
type Rendezvous struct {
	Dir      string
	SockPath string
	Listener *net.UnixListener
}

// New creates the rendezvous directory under tempRoot and a listening
// unix stream socket inside it, per spec.md §4.1.
func New(tempRoot string) (*Rendezvous, error) {
	dir, err := os.MkdirTemp(tempRoot, directoryPrefix+"*")
	if err != nil {
		return nil, errs.Wrap(errs.KindRendezvousFail, err, "creating rendezvous directory")
	}
	// Owned and writable only by the invoking user (spec.md §3).
	if err := os.Chmod(dir, 0700); err != nil {
		os.Remove(dir)
		return nil, errs.Wrap(errs.KindRendezvousFail, err, "restricting rendezvous directory permissions")
	}

	sockPath, err := securejoin.SecureJoin(dir, socketName)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errs.Wrap(errs.KindRendezvousFail, err, "joining rendezvous socket path")
	}

	if len(sockPath) > maxSockaddrPath {
		os.RemoveAll(dir)
		return nil, errs.New(errs.KindBadArgs, fmt.Sprintf(
			"rendezvous socket path %q is %d bytes, exceeding the %d-byte sockaddr_un limit",
			sockPath, len(sockPath), maxSockaddrPath))
	}

	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errs.Wrap(errs.KindRendezvousFail, err, "resolving rendezvous socket address")
	}

	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errs.Wrap(errs.KindRendezvousFail, err, "binding/listening on rendezvous socket")
	}

	return &Rendezvous{Dir: dir, SockPath: sockPath, Listener: listener}, nil
}

// CloseListener closes only the listening socket, leaving the directory
// in place. Used once the peer has been accepted (spec.md §3: "Listening
// socket: from bind/listen to successful accept, then closed").
func (r *Rendezvous) CloseListener() error {
	if r.Listener == nil {
		return nil
	}
	err := r.Listener.Close()
	r.Listener = nil
	return err
}

// Remove closes the listener if still open and recursively removes the
// rendezvous directory. Idempotent: safe to call more than once and
// safe to call after CloseListener.
func (r *Rendezvous) Remove() error {
	_ = r.CloseListener()
	if r.Dir == "" {
		return nil
	}
	err := os.RemoveAll(r.Dir)
	r.Dir = ""
	return err
}
