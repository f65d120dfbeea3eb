package cleanup

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/MatrixAI/Privilege-Elevation/internal/rendezvous"
)

func TestCloseRemovesArmedRendezvous(t *testing.T) {
	rv, err := rendezvous.New(t.TempDir())
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}
	g := New()
	g.ArmRendezvous(rv)

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(rv.Dir); !os.IsNotExist(err) {
		t.Fatalf("rendezvous dir still exists after Close: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rv, err := rendezvous.New(t.TempDir())
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}
	g := New()
	g.ArmRendezvous(rv)

	if err := g.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseWithoutArmingIsNoop(t *testing.T) {
	g := New()
	if err := g.Close(); err != nil {
		t.Fatalf("Close on unarmed guard: %v", err)
	}
}

func TestArmDeviceFDClosesDescriptor(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()

	rv, err := rendezvous.New(t.TempDir())
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}
	g := New()
	g.ArmRendezvous(rv)
	g.ArmDeviceFD(int(r.Fd()))

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// r's underlying fd was closed by Guard.Close; os.File.Close on it
	// now should report the already-closed state rather than panicking.
	if err := r.Close(); err == nil {
		t.Fatalf("expected closing an fd already closed by Guard.Close to fail")
	}
}

func TestDisarmDeviceFDTransfersOwnership(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()
	defer r.Close()

	g := New()
	g.ArmDeviceFD(int(r.Fd()))
	g.DisarmDeviceFD()

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close must not have touched r's fd: fstat on it must still
	// succeed rather than fail with EBADF.
	var st unix.Stat_t
	if err := unix.Fstat(int(r.Fd()), &st); err != nil {
		t.Fatalf("unexpected error after disarm+Close: %v", err)
	}
}

func TestArmPeerConnClosedOnClose(t *testing.T) {
	a, b, err := socketpairConns(t)
	if err != nil {
		t.Fatalf("socketpairConns: %v", err)
	}
	defer a.Close()

	g := New()
	g.ArmPeerConn(b)

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Write([]byte{0}); err == nil {
		t.Fatalf("expected write on closed peer conn to fail")
	}
}

func socketpairConns(t *testing.T) (*net.UnixConn, *net.UnixConn, error) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	fa, err := net.FileConn(os.NewFile(uintptr(fds[0]), "sp0"))
	if err != nil {
		return nil, nil, err
	}
	fb, err := net.FileConn(os.NewFile(uintptr(fds[1]), "sp1"))
	if err != nil {
		fa.Close()
		return nil, nil, err
	}
	return fa.(*net.UnixConn), fb.(*net.UnixConn), nil
}
