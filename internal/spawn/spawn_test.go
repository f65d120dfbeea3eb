package spawn

import (
	"os"
	"testing"
)

// TestMain lets the test binary double as its own trampoline target,
// the same re-exec-self idiom cmd/privilege-elevation uses in
// production: when invoked with TrampolineSentinel as its first
// argument, it runs RunTrampoline instead of the test suite.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == TrampolineSentinel {
		RunTrampoline(os.Args[2:])
		os.Exit(70) // unreachable if RunTrampoline exec'd successfully
	}
	os.Exit(m.Run())
}

func selfExe(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return exe
}

func TestSpawnOkOnSuccessfulExec(t *testing.T) {
	outcome, err := Spawn(selfExe(t), "/bin/true", []string{"true"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if outcome.Kind != SpawnOk {
		t.Fatalf("outcome.Kind = %v, want SpawnOk: %v", outcome.Kind, outcome)
	}
	if outcome.Pid <= 0 {
		t.Fatalf("outcome.Pid = %d, want > 0", outcome.Pid)
	}
}

func TestSpawnExecErrOnMissingBinary(t *testing.T) {
	outcome, err := Spawn(selfExe(t), "/nonexistent/binary/path", []string{"binary"})
	if err == nil {
		t.Fatalf("expected an error for a missing target binary")
	}
	if outcome.Kind != SpawnExecErr {
		t.Fatalf("outcome.Kind = %v, want SpawnExecErr: %v", outcome.Kind, outcome)
	}
}

func TestSpawnForkErrOnMissingSelfExe(t *testing.T) {
	outcome, err := Spawn("/nonexistent/self/binary", "/bin/true", []string{"true"})
	if err == nil {
		t.Fatalf("expected an error when the trampoline binary itself cannot start")
	}
	if outcome.Kind != SpawnForkErr {
		t.Fatalf("outcome.Kind = %v, want SpawnForkErr: %v", outcome.Kind, outcome)
	}
}
