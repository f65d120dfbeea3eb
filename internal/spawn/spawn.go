// Package spawn implements the safe fork+exec primitive from spec.md
// §4.2 (C2): a pipe-based error channel that turns the normally-silent
// "exec after fork" failure mode into an explicit synchronous error, and
// parent-death protection for the spawned process.
//
// Go's runtime cannot run arbitrary user code between fork(2) and
// exec(3) in the same process (only async-signal-safe operations are
// valid post-fork, and the Go scheduler is not one of them). The
// teacher's own libcontainer solves the same problem by re-executing
// its own binary and letting the freshly-exec'd copy run ordinary Go
// code before performing the final exec into the real target; this
// package uses the same technique; cmd/privilege-elevation wires
// TrampolineSentinel detection before the CLI parses any flags and
// calls RunTrampoline, which never returns on success.
package spawn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// TrampolineSentinel is the hidden first argument that tells
// cmd/privilege-elevation's main to run as a spawn trampoline instead of
// the ordinary launcher CLI.
const TrampolineSentinel = "__privilege_elevation_spawn_trampoline__"

// expectedPPidEnv carries the launcher's pid at spawn time, so the
// trampoline can detect "parent died between fork and this check"
// (spec.md §4.2) by comparing it against its own current getppid().
const expectedPPidEnv = "_PRIVILEGE_ELEVATION_EXPECT_PPID"

// errPipeFd is the fixed fd the trampoline's single ExtraFiles entry is
// attached at: fd 0/1/2 are stdio, so the first ExtraFiles entry lands
// at fd 3.
const errPipeFd = 3

// OutcomeKind tags a Spawn result per spec.md §3's "Spawn outcome".
type OutcomeKind int

const (
	// SpawnOk means the target process is now running.
	SpawnOk OutcomeKind = iota
	// SpawnPreForkErr means a failure occurred in the trampoline
	// before it attempted the final exec (e.g. the parent died, or
	// PR_SET_PDEATHSIG could not be installed).
	SpawnPreForkErr
	// SpawnForkErr means the trampoline process itself could not be
	// started (the pipe, or the initial fork+exec of the trampoline
	// binary, failed).
	SpawnForkErr
	// SpawnExecErr means the trampoline ran but the final exec into
	// the target failed; Errno identifies the syscall error.
	SpawnExecErr
)

// PreForkKind further classifies SpawnPreForkErr.
type PreForkKind int

const (
	// PreForkParentDied means the trampoline detected its parent pid
	// no longer matched the pid recorded at spawn time.
	PreForkParentDied PreForkKind = iota
	// PreForkPdeathsigFailed means installing parent-death protection
	// itself failed.
	PreForkPdeathsigFailed
)

func (k PreForkKind) String() string {
	switch k {
	case PreForkParentDied:
		return "parent died before exec"
	case PreForkPdeathsigFailed:
		return "failed to install parent-death signal"
	default:
		return "unknown pre-fork failure"
	}
}

// Outcome is the result of a single Spawn call.
type Outcome struct {
	Kind     OutcomeKind
	Pid      int
	PreFork  PreForkKind
	Errno    syscall.Errno
	// Cmd is the trampoline process, set whenever cmd.Start() succeeded
	// (every Kind except SpawnForkErr from a Start failure). Callers
	// must still Wait() on it — via childstatus.NewWatcher — to reap it
	// and observe its real termination status, since SpawnOk only means
	// "the pre-exec pipe closed on a successful exec", not "the exec'd
	// process has terminated".
	Cmd      *exec.Cmd
	causeErr error
}

func (o Outcome) String() string {
	switch o.Kind {
	case SpawnOk:
		return fmt.Sprintf("spawned pid %d", o.Pid)
	case SpawnPreForkErr:
		return fmt.Sprintf("pre-fork failure: %s", o.PreFork)
	case SpawnForkErr:
		return fmt.Sprintf("fork failure: %v", o.causeErr)
	case SpawnExecErr:
		return fmt.Sprintf("exec failure: %v", o.Errno)
	default:
		return "unknown spawn outcome"
	}
}

// wire message kinds written to the error pipe by the trampoline.
const (
	wireExecErrno     = 1
	wireParentDied    = 2
	wirePdeathsigFail = 3
)

// Spawn launches processPath with argv (argv[0] is conventionally its
// basename, per spec.md §3) via the self-reexec trampoline, and blocks
// until either the trampoline's exec succeeds or a pre-exec failure is
// reported back over the pipe, exactly as spec.md §4.2 describes for
// the parent path.
func Spawn(selfExe, processPath string, argv []string) (Outcome, error) {
	pipeR, pipeW, err := os.Pipe()
	if err != nil {
		return Outcome{Kind: SpawnForkErr, causeErr: err}, err
	}

	cmd := exec.Command(selfExe, TrampolineSentinel, processPath)
	cmd.Args = append(cmd.Args, argv...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{pipeW}
	cmd.Env = append(os.Environ(), expectedPPidEnv+"="+strconv.Itoa(os.Getpid()))

	if err := cmd.Start(); err != nil {
		pipeR.Close()
		pipeW.Close()
		return Outcome{Kind: SpawnForkErr, causeErr: err}, err
	}
	// Close the parent's copy of the write end; the child's copy is
	// closed automatically on successful exec (close-on-exec), which
	// is what turns a successful spawn into EOF for the read below.
	pipeW.Close()
	defer pipeR.Close()

	buf := make([]byte, 1+4)
	n, readErr := io.ReadFull(pipeR, buf)
	switch {
	case readErr == io.EOF || (readErr == io.ErrUnexpectedEOF && n == 0):
		return Outcome{Kind: SpawnOk, Pid: cmd.Process.Pid, Cmd: cmd}, nil

	case readErr == nil || (readErr == io.ErrUnexpectedEOF && n > 0):
		return decodeFailure(buf[:n], cmd)

	default:
		return Outcome{Kind: SpawnForkErr, causeErr: readErr, Cmd: cmd}, readErr
	}
}

func decodeFailure(buf []byte, cmd *exec.Cmd) (Outcome, error) {
	pid := cmd.Process.Pid
	if len(buf) < 1 {
		err := fmt.Errorf("spawn: empty pre-exec failure message")
		return Outcome{Kind: SpawnForkErr, causeErr: err, Cmd: cmd}, err
	}
	kind := buf[0]
	switch kind {
	case wireExecErrno:
		if len(buf) < 5 {
			err := fmt.Errorf("spawn: truncated errno in pre-exec failure message")
			return Outcome{Kind: SpawnForkErr, causeErr: err, Cmd: cmd}, err
		}
		errno := syscall.Errno(binary.LittleEndian.Uint32(buf[1:5]))
		o := Outcome{Kind: SpawnExecErr, Pid: pid, Errno: errno, Cmd: cmd}
		return o, fmt.Errorf("exec failed: %v", errno)
	case wireParentDied:
		o := Outcome{Kind: SpawnPreForkErr, Pid: pid, PreFork: PreForkParentDied, Cmd: cmd}
		return o, fmt.Errorf("%s", o.PreFork)
	case wirePdeathsigFail:
		o := Outcome{Kind: SpawnPreForkErr, Pid: pid, PreFork: PreForkPdeathsigFailed, Cmd: cmd}
		return o, fmt.Errorf("%s", o.PreFork)
	default:
		err := fmt.Errorf("spawn: unrecognized pre-exec failure kind %d", kind)
		return Outcome{Kind: SpawnForkErr, causeErr: err, Cmd: cmd}, err
	}
}

// RunTrampoline is the child-side logic of C2 (spec.md §4.2 "Child
// path"). It is invoked from cmd/privilege-elevation's main before any
// CLI parsing when os.Args[1] == TrampolineSentinel, with
// os.Args[2:] == [processPath, argv...]. It never returns on success:
// the process image is replaced by processPath.
func RunTrampoline(args []string) {
	if len(args) < 1 {
		os.Exit(70) // EX_SOFTWARE: trampoline invoked without a target
	}
	processPath := args[0]
	argv := args[1:]

	errPipe := os.NewFile(uintptr(errPipeFd), "spawn-errpipe")

	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		reportPreForkFailure(errPipe, wirePdeathsigFail, 0)
		os.Exit(71) // EX_OSERR
	}

	if expected, ok := lookupExpectedPPid(); ok && os.Getppid() != expected {
		reportPreForkFailure(errPipe, wireParentDied, 0)
		os.Exit(69) // EX_UNAVAILABLE
	}

	unix.CloseOnExec(errPipeFd)

	env := os.Environ()
	execErr := syscall.Exec(processPath, argv, env)
	// syscall.Exec only returns on failure.
	errno, _ := execErr.(syscall.Errno)
	reportPreForkFailure(errPipe, wireExecErrno, uint32(errno))
	os.Exit(71) // EX_OSERR
}

func reportPreForkFailure(pipe *os.File, kind byte, errno uint32) {
	var buf bytes.Buffer
	buf.WriteByte(kind)
	var errnoBuf [4]byte
	binary.LittleEndian.PutUint32(errnoBuf[:], errno)
	buf.Write(errnoBuf[:])
	_, _ = pipe.Write(buf.Bytes())
	_ = pipe.Close()
}

func lookupExpectedPPid() (int, bool) {
	v := os.Getenv(expectedPPidEnv)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
