// Package fdrecv implements the privileged-descriptor handoff from
// spec.md §4.6 (C6): validate the peer's credentials over the
// already-accepted rendezvous connection, then receive the one
// ancillary file descriptor it sends.
//
// The receive side follows the same syscall.Recvmsg /
// ParseSocketControlMessage / ParseUnixRights sequence the teacher's
// libcontainer/process_linux.go uses for recvSeccompFd, generalized
// from a raw pipe to a peer-validated Unix socket connection; peer
// validation follows canonical-lxd's devlxd handler, which resolves a
// *unix.Ucred from an accepted *net.UnixConn via SO_PEERCRED.
package fdrecv

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/MatrixAI/Privilege-Elevation/internal/protocol"
)

// ErrPeerIdentity is returned (wrapped) when the peer's credentials
// fail the expectedPid or allowed-uid check in Receive, so callers can
// distinguish identity failures from protocol/I-O failures with
// errors.Is.
var ErrPeerIdentity = errors.New("peer identity rejected")

// PeerCred is the subset of the peer's credentials spec.md §4.6
// requires validating before trusting its descriptor.
type PeerCred struct {
	Uid uint32
	Gid uint32
	Pid int32
}

// Result is a successfully received privileged descriptor.
type Result struct {
	Fd   int
	Peer PeerCred
}

// AllowedUids, when non-empty, restricts which peer uids Receive will
// accept; spec.md §4.6 leaves the authorization policy to the caller,
// so an empty set means "accept any uid the kernel vouches for via
// SO_PEERCRED" (still authenticated, just not further authorized).
type AllowedUids map[uint32]struct{}

// Receive validates conn's peer credentials — against allowed (if
// non-empty) and against expectedPid (skipped when negative) — before
// reading anything from the wire, then reads exactly one
// protocol.Message tag byte plus its SCM_RIGHTS ancillary data, per
// spec.md §4.6's numbered steps (2: peer identity; 5-8: the message).
func Receive(conn *net.UnixConn, allowed AllowedUids, expectedPid int) (Result, error) {
	peer, err := peerCred(conn)
	if err != nil {
		return Result{}, fmt.Errorf("reading peer credentials: %w", err)
	}
	if len(allowed) > 0 {
		if _, ok := allowed[peer.Uid]; !ok {
			return Result{}, fmt.Errorf("peer uid %d is not an authorized sender: %w", peer.Uid, ErrPeerIdentity)
		}
	}
	if expectedPid >= 0 && peer.Pid != int32(expectedPid) {
		return Result{}, fmt.Errorf("peer pid %d does not match expected spawn pid %d: %w", peer.Pid, expectedPid, ErrPeerIdentity)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return Result{}, fmt.Errorf("obtaining raw connection: %w", err)
	}

	const msgBuf = protocol.MessageSize
	oob := make([]byte, unix.CmsgSpace(4))
	msg := make([]byte, msgBuf)

	var n, oobn, recvFlags int
	var recvErr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, oobn, recvFlags, _, recvErr = unix.Recvmsg(int(fd), msg, oob, unix.MSG_WAITALL)
		// Per the syscall.RawConn.Read contract: return false on
		// EAGAIN so the netpoller re-arms and waits for readability
		// again, instead of surfacing a transient EAGAIN as a
		// receive failure.
		return recvErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return Result{}, fmt.Errorf("raw read: %w", ctrlErr)
	}
	if recvErr != nil {
		return Result{}, fmt.Errorf("recvmsg: %w", recvErr)
	}
	if n != msgBuf {
		return Result{}, fmt.Errorf("recvmsg: got %d message bytes, want %d", n, msgBuf)
	}
	if recvFlags&unix.MSG_CTRUNC != 0 {
		return Result{}, fmt.Errorf("recvmsg: ancillary data truncated (MSG_CTRUNC)")
	}

	tag := protocol.Decode(msg[:n]).Tag
	if tag != protocol.TagPrivFD {
		return Result{}, fmt.Errorf("unexpected message tag %#x, want %#x", tag, protocol.TagPrivFD)
	}

	cmsgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return Result{}, fmt.Errorf("parsing socket control message: %w", err)
	}
	if len(cmsgs) != 1 {
		return Result{}, fmt.Errorf("got %d control messages, want exactly 1", len(cmsgs))
	}

	fds, err := syscall.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return Result{}, fmt.Errorf("parsing unix rights: %w", err)
	}
	if len(fds) != 1 {
		for _, f := range fds {
			unix.Close(f)
		}
		return Result{}, fmt.Errorf("got %d descriptors, want exactly 1", len(fds))
	}
	if fds[0] < 0 {
		return Result{}, fmt.Errorf("received negative descriptor %d", fds[0])
	}

	return Result{Fd: fds[0], Peer: peer}, nil
}

// peerCred resolves conn's SO_PEERCRED credentials.
func peerCred(conn *net.UnixConn) (PeerCred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerCred{}, err
	}

	var cred *unix.Ucred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return PeerCred{}, ctrlErr
	}
	if credErr != nil {
		return PeerCred{}, credErr
	}
	return PeerCred{Uid: cred.Uid, Gid: cred.Gid, Pid: cred.Pid}, nil
}
