// Package errors defines the typed error kinds from spec.md §7 and wraps
// them with github.com/pkg/errors so a cause chain survives up to the
// top-level handler, the same way the teacher's
// newSystemError/newSystemErrorWithCause helpers do in
// libcontainer/process_linux.go.
package errors

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/MatrixAI/Privilege-Elevation/internal/sysexits"
)

// Kind identifies which stage of the launcher failed, per spec.md §7.
type Kind int

const (
	// KindBadArgs means the command line was used incorrectly.
	KindBadArgs Kind = iota
	// KindRendezvousFail means the rendezvous directory or socket
	// could not be constructed.
	KindRendezvousFail
	// KindSpawnFail means the pre-fork, fork, or exec stage of
	// spawning the mechanism or elevator failed.
	KindSpawnFail
	// KindWaitFail means the wait multiplexer's underlying syscalls
	// failed for a reason other than EINTR.
	KindWaitFail
	// KindMechanismNoPerm means the mechanism exited with EX_NOPERM
	// before connecting.
	KindMechanismNoPerm
	// KindMechanismPolicyDenied means the elevator refused the
	// elevation request (policy denial).
	KindMechanismPolicyDenied
	// KindMechanismUserCancelled means the user cancelled the
	// elevator's authentication prompt.
	KindMechanismUserCancelled
	// KindMechanismOther means the mechanism or elevator exited with
	// any other non-zero, non-NoPerm code.
	KindMechanismOther
	// KindProtocolPeerIdentity means the connecting peer's pid did
	// not match the pid of the most recent spawn.
	KindProtocolPeerIdentity
	// KindProtocolShortMessage means fewer bytes than the fixed
	// message size were received.
	KindProtocolShortMessage
	// KindProtocolTruncated means MSG_CTRUNC was set on the received
	// message, i.e. the ancillary buffer was too small.
	KindProtocolTruncated
	// KindProtocolWrongTag means the received message's tag was not
	// PRIVFD.
	KindProtocolWrongTag
	// KindProtocolMissingFd means no file descriptor was found in the
	// ancillary data, or it was negative.
	KindProtocolMissingFd
	// KindDeviceIO means an I/O error occurred on the device
	// descriptor after receipt.
	KindDeviceIO
	// KindBuildConfig means a build-time-required value (e.g. the
	// mechanism or elevator path) was never supplied at link time.
	KindBuildConfig
)

// Error is a Kind-tagged error that preserves its cause via
// github.com/pkg/errors so %+v printing and errors.Cause both work.
type Error struct {
	Kind  Kind
	Stage string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Stage
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.cause)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New builds a stage-tagged error with no further cause.
func New(kind Kind, stage string) *Error {
	return &Error{Kind: kind, Stage: stage}
}

// Wrap builds a stage-tagged error around cause, preserving it via
// pkg/errors.Wrap so the original call site's stack survives.
func Wrap(kind Kind, cause error, stage string) *Error {
	if cause == nil {
		return New(kind, stage)
	}
	return &Error{Kind: kind, Stage: stage, cause: errors.Wrap(cause, stage)}
}

// Wrapf is Wrap with a formatted stage description.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return Wrap(kind, cause, fmt.Sprintf(format, args...))
}

// ExitCode maps a Kind to the sysexits code named in spec.md §6.
func ExitCode(kind Kind) int {
	switch kind {
	case KindBadArgs, KindMechanismUserCancelled:
		return sysexits.Usage
	case KindRendezvousFail:
		return sysexits.CantCreat
	case KindSpawnFail:
		return sysexits.OSErr
	case KindMechanismOther, KindWaitFail:
		return sysexits.Unavailable
	case KindProtocolPeerIdentity, KindProtocolShortMessage, KindProtocolWrongTag:
		return sysexits.Protocol
	case KindProtocolTruncated:
		return sysexits.Software
	case KindProtocolMissingFd:
		return sysexits.Software
	case KindMechanismNoPerm, KindMechanismPolicyDenied:
		return sysexits.NoPerm
	case KindDeviceIO:
		return sysexits.IOErr
	case KindBuildConfig:
		return sysexits.Software
	default:
		return sysexits.Software
	}
}

// Cause unwraps to the deepest non-*Error cause, mirroring
// github.com/pkg/errors.Cause for callers that only hold an `error`.
func Cause(err error) error {
	for {
		e, ok := err.(*Error)
		if !ok || e.cause == nil {
			break
		}
		err = e.cause
	}
	return errors.Cause(err)
}
