// Package childstatus implements the single-slot, single-writer
// mechanism-status holder from spec.md §3/§4.3 (C3), expressed as the
// channel-based rewrite spec.md §9 prescribes for a language with
// structured concurrency: one dedicated goroutine blocks in the
// process's Wait and writes exactly once to a buffered channel.
package childstatus

import (
	"os/exec"
	"sync"
)

// Status is the mechanism-status slot's value, per spec.md §3.
type Status struct {
	// Kind distinguishes Unknown/ExitedOk/ExitedCode/Signaled.
	Kind StatusKind
	// Code is the exit code, valid only when Kind == ExitedCode.
	Code int
	// Signal is the process state's description naming the
	// terminating signal (e.g. "signal: terminated"), valid only when
	// Kind == Signaled.
	Signal string
}

// StatusKind enumerates the mechanism-status slot's tag values.
type StatusKind int

const (
	// Unknown is the initial value: no termination has been observed.
	Unknown StatusKind = iota
	// ExitedOk means the process exited with code 0.
	ExitedOk
	// ExitedCode means the process exited with a non-zero code.
	ExitedCode
	// Signaled means the process was terminated by a signal.
	Signaled
)

// Watcher owns the one goroutine permitted to write the status slot.
// Nothing else writes to it, matching spec.md §5's "the signal handler
// performs only one atomic store and touches no other memory" (here:
// the watcher goroutine performs only one channel send).
type Watcher struct {
	statusCh chan Status
	once     sync.Once
}

// NewWatcher starts watching cmd, which must already have been started
// (Process != nil). The returned Watcher's Status channel receives
// exactly one value, once, when cmd terminates.
func NewWatcher(cmd *exec.Cmd) *Watcher {
	w := &Watcher{statusCh: make(chan Status, 1)}
	go func() {
		err := cmd.Wait()
		w.statusCh <- deriveStatus(cmd, err)
	}()
	return w
}

// Status returns the channel that receives the single terminal status
// update. The channel is never closed, so a second receive after it has
// fired blocks forever, matching "monotonic within a single spawn" —
// callers must not receive twice expecting two independent values; use
// a single select/receive per Watcher.
func (w *Watcher) Status() <-chan Status {
	return w.statusCh
}

func deriveStatus(cmd *exec.Cmd, waitErr error) Status {
	state := cmd.ProcessState
	if state == nil {
		// cmd.Wait failed before producing a ProcessState at all
		// (e.g. I/O error unrelated to the child's exit); treat as
		// an unknown/other non-zero exit so callers still fail safe.
		return Status{Kind: ExitedCode, Code: -1}
	}
	if ws, ok := state.Sys().(interface{ Signaled() bool }); ok && ws.Signaled() {
		return Status{Kind: Signaled, Signal: state.String()}
	}
	if state.ExitCode() == 0 {
		return Status{Kind: ExitedOk}
	}
	return Status{Kind: ExitedCode, Code: state.ExitCode()}
}
