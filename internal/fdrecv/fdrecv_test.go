package fdrecv

import (
	"net"
	"os"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/MatrixAI/Privilege-Elevation/internal/protocol"
)

// socketpairConn creates a connected pair of Unix stream sockets: the
// receiving half wrapped as a *net.UnixConn (what AcceptUnix would
// hand the launcher), and the sending half left as a raw fd so the
// test can build the SCM_RIGHTS ancillary data by hand.
func socketpairConn(t *testing.T) (*net.UnixConn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f := os.NewFile(uintptr(fds[0]), "fdrecv-test-recv")
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		t.Fatalf("FileConn: %v", err)
	}
	unixConn, ok := c.(*net.UnixConn)
	if !ok {
		t.Fatalf("FileConn returned %T, want *net.UnixConn", c)
	}
	return unixConn, fds[1]
}

func sendPrivFD(t *testing.T, senderFd int, payloadFd int) {
	t.Helper()
	msg := protocol.Message{Tag: protocol.TagPrivFD}.Encode()
	rights := syscall.UnixRights(payloadFd)
	if err := syscall.Sendmsg(senderFd, msg[:], rights, nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}
}

func TestReceiveSucceedsAndReturnsDescriptor(t *testing.T) {
	conn, senderFd := socketpairConn(t)
	defer conn.Close()
	defer unix.Close(senderFd)

	payloadR, payloadW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer payloadW.Close()
	defer payloadR.Close()

	sendPrivFD(t, senderFd, int(payloadR.Fd()))

	result, err := Receive(conn, nil, -1)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	defer unix.Close(result.Fd)

	if result.Fd < 0 {
		t.Fatalf("result.Fd = %d, want >= 0", result.Fd)
	}
	if result.Peer.Pid != int32(os.Getpid()) {
		t.Fatalf("Peer.Pid = %d, want %d (same process via socketpair)", result.Peer.Pid, os.Getpid())
	}
}

func TestReceiveRejectsDisallowedUid(t *testing.T) {
	conn, senderFd := socketpairConn(t)
	defer conn.Close()
	defer unix.Close(senderFd)

	payloadR, payloadW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer payloadW.Close()
	defer payloadR.Close()

	sendPrivFD(t, senderFd, int(payloadR.Fd()))

	_, err = Receive(conn, AllowedUids{999999: {}}, -1)
	if err == nil {
		t.Fatalf("expected an error for a uid not in the allow-list")
	}
}

func TestReceiveRejectsWrongTag(t *testing.T) {
	conn, senderFd := socketpairConn(t)
	defer conn.Close()
	defer unix.Close(senderFd)

	payloadR, payloadW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer payloadW.Close()
	defer payloadR.Close()

	badMsg := protocol.Message{Tag: 0xFF}.Encode()
	rights := syscall.UnixRights(int(payloadR.Fd()))
	if err := syscall.Sendmsg(senderFd, badMsg[:], rights, nil, 0); err != nil {
		t.Fatalf("sendmsg: %v", err)
	}

	_, err = Receive(conn, nil, -1)
	if err == nil {
		t.Fatalf("expected an error for an unexpected message tag")
	}
}
