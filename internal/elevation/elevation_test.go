package elevation

import (
	"testing"

	"github.com/MatrixAI/Privilege-Elevation/internal/waitmux"
)

func TestPeerReadyFromUnprivilegedReachesDone(t *testing.T) {
	c := NewController()
	if got := c.Advance(EventFromWaitmux(waitmux.PeerReady)); got != Done {
		t.Fatalf("state = %v, want Done", got)
	}
}

func TestNoPermRetriesExactlyOnce(t *testing.T) {
	c := NewController()
	event, reason := ClassifyExit(false, 77, true)
	if reason != ReasonNone {
		t.Fatalf("reason = %v, want ReasonNone", reason)
	}
	if got := c.Advance(event); got != Elevated {
		t.Fatalf("state = %v, want Elevated", got)
	}
	if !c.ShouldRetryElevated() {
		t.Fatalf("ShouldRetryElevated() = false after entering Elevated")
	}

	// A second NoPerm while already Elevated is a hard failure, not a
	// second retry.
	event, reason = ClassifyExit(true, 77, true)
	if reason != ReasonPolicyDenied {
		t.Fatalf("reason = %v, want ReasonPolicyDenied", reason)
	}
	if got := c.Advance(event); got != Failed {
		t.Fatalf("state = %v, want Failed", got)
	}
}

func TestElevatedPeerReadyReachesDone(t *testing.T) {
	c := NewController()
	c.Advance(EventNoPerm)
	if c.State() != Elevated {
		t.Fatalf("precondition: state = %v, want Elevated", c.State())
	}
	if got := c.Advance(EventFromWaitmux(waitmux.PeerReady)); got != Done {
		t.Fatalf("state = %v, want Done", got)
	}
}

func TestOtherExitFromUnprivilegedFails(t *testing.T) {
	c := NewController()
	event, reason := ClassifyExit(false, 1, false)
	if reason != ReasonOther {
		t.Fatalf("reason = %v, want ReasonOther", reason)
	}
	if got := c.Advance(event); got != Failed {
		t.Fatalf("state = %v, want Failed", got)
	}
}

func TestUserCancelledDuringElevatedFails(t *testing.T) {
	c := NewController()
	c.Advance(EventNoPerm)
	event, reason := ClassifyExit(true, 126, false)
	if reason != ReasonUserCancelled {
		t.Fatalf("reason = %v, want ReasonUserCancelled", reason)
	}
	if got := c.Advance(event); got != Failed {
		t.Fatalf("state = %v, want Failed", got)
	}
}

func TestPolicyRefusalExitCodeDuringElevatedFails(t *testing.T) {
	c := NewController()
	c.Advance(EventNoPerm)
	event, reason := ClassifyExit(true, 127, false)
	if reason != ReasonPolicyDenied {
		t.Fatalf("reason = %v, want ReasonPolicyDenied", reason)
	}
	if got := c.Advance(event); got != Failed {
		t.Fatalf("state = %v, want Failed", got)
	}
}

func TestFatalFromAnyStateFails(t *testing.T) {
	for _, start := range []State{Unprivileged, Elevated} {
		c := &Controller{state: start}
		if got := c.Advance(EventFromWaitmux(waitmux.Fatal)); got != Failed {
			t.Fatalf("from %v: state = %v, want Failed", start, got)
		}
	}
}
