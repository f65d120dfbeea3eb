package rendezvous

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	errs "github.com/MatrixAI/Privilege-Elevation/internal/errors"
)

func TestNewCreatesPrivateDirAndSocket(t *testing.T) {
	root := t.TempDir()

	r, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Remove()

	info, err := os.Stat(r.Dir)
	if err != nil {
		t.Fatalf("stat rendezvous dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("rendezvous path is not a directory")
	}
	if info.Mode().Perm() != 0700 {
		t.Fatalf("rendezvous dir mode = %v, want 0700", info.Mode().Perm())
	}
	if !strings.HasPrefix(filepath.Base(r.Dir), directoryPrefix) {
		t.Fatalf("rendezvous dir %q does not use template prefix %q", r.Dir, directoryPrefix)
	}
	if filepath.Base(r.SockPath) != socketName {
		t.Fatalf("socket path %q does not end in %q", r.SockPath, socketName)
	}

	conn, err := net.Dial("unix", r.SockPath)
	if err != nil {
		t.Fatalf("dialing rendezvous socket: %v", err)
	}
	conn.Close()
}

func TestRemoveDeletesDirectory(t *testing.T) {
	root := t.TempDir()

	r, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dir := r.Dir
	if err := r.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("rendezvous directory %q still exists after Remove", dir)
	}

	// Idempotent.
	if err := r.Remove(); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestCloseListenerLeavesDirectory(t *testing.T) {
	root := t.TempDir()

	r, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Remove()

	if err := r.CloseListener(); err != nil {
		t.Fatalf("CloseListener: %v", err)
	}

	if _, err := os.Stat(r.Dir); err != nil {
		t.Fatalf("rendezvous directory should still exist after CloseListener: %v", err)
	}
	if r.Listener != nil {
		t.Fatalf("Listener field should be nil after CloseListener")
	}
}

func TestNewRejectsPathOverSockaddrLimit(t *testing.T) {
	root := t.TempDir()

	// Build a temp root so deep that dir+"/"+socketName exceeds
	// maxSockaddrPath, exercising the over-limit case from spec.md §8.
	longRoot := root
	for len(longRoot)+len(directoryPrefix)+8+1+len(socketName) <= maxSockaddrPath+1 {
		longRoot = filepath.Join(longRoot, strings.Repeat("a", 64))
	}
	if err := os.MkdirAll(longRoot, 0755); err != nil {
		t.Fatalf("building deep temp root: %v", err)
	}

	_, err := New(longRoot)
	if err == nil {
		t.Fatalf("expected New to fail for an over-limit path")
	}
	e, ok := err.(*errs.Error)
	if !ok {
		t.Fatalf("expected *errors.Error, got %T", err)
	}
	if e.Kind != errs.KindBadArgs {
		t.Fatalf("expected KindBadArgs, got %v", e.Kind)
	}
	if errs.ExitCode(e.Kind) != 64 {
		t.Fatalf("expected EX_USAGE (64), got %d", errs.ExitCode(e.Kind))
	}
}
