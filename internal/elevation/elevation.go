// Package elevation implements the retry state machine from spec.md
// §4.5 (C5): attempt the mechanism unprivileged, and on a permission
// denial retry exactly once through the elevated (policy-authorized)
// path.
package elevation

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/MatrixAI/Privilege-Elevation/internal/waitmux"
)

// State is one of the four states spec.md §4.5 names.
type State int

const (
	// Unprivileged is the initial state: the mechanism has been (or
	// is about to be) spawned without elevation.
	Unprivileged State = iota
	// Elevated means the mechanism is being retried through the
	// policy-authorization helper, after exactly one NoPerm exit.
	Elevated
	// Done means a peer connected and its descriptor can be received.
	Done
	// Failed is terminal: no further spawn will be attempted.
	Failed
)

func (s State) String() string {
	switch s {
	case Unprivileged:
		return "Unprivileged"
	case Elevated:
		return "Elevated"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Event is the subset of waitmux.EventKind/childstatus information the
// state machine reacts to, collapsed per spec.md §4.5's table.
type Event int

const (
	// EventPeerReady corresponds to waitmux.PeerReady.
	EventPeerReady Event = iota
	// EventNoPerm corresponds to a MechanismExit whose status is
	// ExitedCode(EX_NOPERM), before any peer connected.
	EventNoPerm
	// EventOtherExit corresponds to any other MechanismExit.
	EventOtherExit
	// EventFatal corresponds to waitmux.Fatal.
	EventFatal
)

// transitionKey encodes a (State, Event) pair as a single comparable
// value for set membership.
type transitionKey struct {
	from  State
	event Event
}

// legalTransitions is the finite set of (state, event) pairs spec.md
// §4.5's table allows; anything not in this set is an unconditional
// Failed, including the "second NoPerm in the Elevated state" case the
// table deliberately omits (spec.md: "a hard failure").
var legalTransitions = mapset.NewSet()

func init() {
	for _, t := range []transitionKey{
		{Unprivileged, EventPeerReady},
		{Unprivileged, EventNoPerm},
		{Unprivileged, EventOtherExit},
		{Elevated, EventPeerReady},
		{Elevated, EventOtherExit},
		// Note: {Elevated, EventNoPerm} is intentionally absent —
		// a second NoPerm is a hard failure, not a legal transition.
	} {
		legalTransitions.Add(t)
	}
}

// next computes the target state for (from, event) per spec.md §4.5.
func next(from State, event Event) State {
	if event == EventFatal {
		return Failed
	}
	if !legalTransitions.Contains(transitionKey{from, event}) {
		return Failed
	}
	switch event {
	case EventPeerReady:
		return Done
	case EventNoPerm:
		// Only reachable from Unprivileged (see legalTransitions).
		return Elevated
	default:
		return Failed
	}
}

// FailureReason classifies a Failed outcome for exit-code mapping.
type FailureReason int

const (
	// ReasonNone applies when the machine is not Failed.
	ReasonNone FailureReason = iota
	// ReasonPolicyDenied means the elevated retry was itself denied
	// by policy (a second NoPerm while Elevated, or the elevator's
	// exit code 127).
	ReasonPolicyDenied
	// ReasonUserCancelled means the user cancelled the elevator's
	// authentication prompt.
	ReasonUserCancelled
	// ReasonOther covers any other failure.
	ReasonOther
)

// Controller drives the C5 state machine across at most one elevation
// retry, per spec.md §4.5's retry-budget invariant.
type Controller struct {
	state State
}

// NewController returns a Controller starting in Unprivileged.
func NewController() *Controller {
	return &Controller{state: Unprivileged}
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// ShouldRetryElevated reports whether the controller just transitioned
// into Elevated, i.e. the caller should re-invoke the spawner with the
// elevator path per spec.md §4.5 ("re-invokes the spawner with
// (elevator_path, [elevator_name, mechanism_path, ...])").
func (c *Controller) ShouldRetryElevated() bool {
	return c.state == Elevated
}

// Advance feeds one waitmux.Event (translated by the caller into the
// collapsed Event enum above) into the state machine and returns the
// new state.
func (c *Controller) Advance(event Event) State {
	c.state = next(c.state, event)
	return c.state
}

// ClassifyExit translates a waitmux.MechanismExit's childstatus.Status
// plus the elevator's exit-code convention (spec.md §6: 127 = policy
// refused, 126 = user cancelled) into the collapsed Event the state
// machine consumes, and — when the event leads to Failed — the
// FailureReason for exit-code mapping.
func ClassifyExit(inElevated bool, exitCode int, noPerm bool) (Event, FailureReason) {
	if !inElevated {
		if noPerm {
			return EventNoPerm, ReasonNone
		}
		return EventOtherExit, ReasonOther
	}

	// In the Elevated state, the spawned process is the external
	// elevator, whose own contract (spec.md §6) overloads specific
	// exit codes.
	switch {
	case noPerm:
		// A second NoPerm: the mechanism itself (re-run with
		// elevated rights) still could not open the device.
		return EventNoPerm, ReasonPolicyDenied
	case exitCode == 127:
		return EventOtherExit, ReasonPolicyDenied
	case exitCode == 126:
		return EventOtherExit, ReasonUserCancelled
	default:
		return EventOtherExit, ReasonOther
	}
}

// EventFromWaitmux translates a terminal waitmux.Event (PeerReady or
// Fatal) that carries no exit-code ambiguity.
func EventFromWaitmux(kind waitmux.EventKind) Event {
	switch kind {
	case waitmux.PeerReady:
		return EventPeerReady
	default:
		return EventFatal
	}
}
