// Package launcher wires C1-C7 together per spec.md §2's control flow:
// the cleanup guard is armed first, the rendezvous is constructed, the
// mechanism is spawned and its exit watched, the wait multiplexer
// blocks for either a peer or a mechanism exit, the elevation
// controller decides whether to retry once through the elevator, and
// the descriptor receiver completes the handoff on Done.
package launcher

import (
	goerrors "errors"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/MatrixAI/Privilege-Elevation/internal/childstatus"
	"github.com/MatrixAI/Privilege-Elevation/internal/cleanup"
	"github.com/MatrixAI/Privilege-Elevation/internal/config"
	"github.com/MatrixAI/Privilege-Elevation/internal/elevation"
	errs "github.com/MatrixAI/Privilege-Elevation/internal/errors"
	"github.com/MatrixAI/Privilege-Elevation/internal/fdrecv"
	"github.com/MatrixAI/Privilege-Elevation/internal/rendezvous"
	"github.com/MatrixAI/Privilege-Elevation/internal/spawn"
	"github.com/MatrixAI/Privilege-Elevation/internal/waitmux"
)

// Options are the launcher's external inputs, per spec.md §6's CLI:
// "privilege-elevation [-b <baud>] [--] <serial-port-path>".
type Options struct {
	DevicePath string
	Baud       string
}

// Result is the launcher's successful outcome: an open descriptor on
// the configured device, handed off from the mechanism.
type Result struct {
	DeviceFd int
}

// Run executes one full launcher session. It always tears down the
// rendezvous before returning, success or failure, per spec.md §4.7.
func Run(logger *logrus.Logger, opts Options) (Result, *errs.Error) {
	selfExe, err := os.Executable()
	if err != nil {
		return Result{}, errs.Wrap(errs.KindSpawnFail, err, "resolving self executable path")
	}

	guard := cleanup.New()
	stopWatch := guard.WatchSignals(syscall.SIGINT, syscall.SIGTERM)
	defer stopWatch()
	defer func() {
		if cerr := guard.Close(); cerr != nil {
			logger.WithError(cerr).Warn("cleanup reported an error")
		}
	}()

	rv, err := rendezvous.New(config.TempRoot())
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			return Result{}, e
		}
		return Result{}, errs.Wrap(errs.KindRendezvousFail, err, "constructing rendezvous")
	}
	guard.ArmRendezvous(rv)
	logger.WithField("dir", rv.Dir).Debug("rendezvous constructed")

	controller := elevation.NewController()
	// One Accept for the listener's whole lifetime: it is reused
	// across the unprivileged attempt and the elevated retry, and must
	// never have two outstanding Accepts racing the same connection.
	acceptor := waitmux.NewAcceptor(rv.Listener)

	outcome, cmdErr := spawnMechanism(selfExe, rv.SockPath, opts, false)
	if cmdErr != nil {
		return Result{}, cmdErr
	}
	watcher := childstatus.NewWatcher(outcome.Cmd)

	for {
		event := waitmux.WaitForPeer(acceptor, watcher.Status())

		var ev elevation.Event
		var failReason elevation.FailureReason
		switch event.Kind {
		case waitmux.PeerReady:
			ev = elevation.EventFromWaitmux(waitmux.PeerReady)
		case waitmux.Fatal:
			ev = elevation.EventFromWaitmux(waitmux.Fatal)
		case waitmux.MechanismExit:
			noPerm := event.Status.Kind == childstatus.ExitedCode && event.Status.Code == 77
			ev, failReason = elevation.ClassifyExit(controller.State() == elevation.Elevated, event.Status.Code, noPerm)
		}

		state := controller.Advance(ev)
		logger.WithFields(logrus.Fields{"event": event.Kind, "state": state}).Debug("elevation controller advanced")

		switch state {
		case elevation.Done:
			if cerr := rv.CloseListener(); cerr != nil {
				logger.WithError(cerr).Warn("closing listener after accept reported an error")
			}
			return receiveDevice(logger, guard, event.Conn, outcome.Pid)

		case elevation.Elevated:
			retryOutcome, cmdErr := spawnMechanism(selfExe, rv.SockPath, opts, true)
			if cmdErr != nil {
				return Result{}, cmdErr
			}
			outcome = retryOutcome
			watcher = childstatus.NewWatcher(outcome.Cmd)
			continue

		case elevation.Failed:
			return Result{}, failureError(event, failReason)
		}
	}
}

// spawnMechanism builds the argv per spec.md §3's "Mechanism
// descriptor" and §6's mechanism/elevator contracts, then calls C2.
func spawnMechanism(selfExe, sockPath string, opts Options, elevated bool) (spawn.Outcome, *errs.Error) {
	var processPath string
	var argv []string

	if !elevated {
		processPath = config.MechanismPath
		argv = []string{filepath.Base(config.MechanismPath), opts.DevicePath, opts.Baud, sockPath}
	} else {
		processPath = config.ElevatorPath
		argv = []string{
			filepath.Base(config.ElevatorPath),
			config.MechanismPath,
			opts.DevicePath,
			opts.Baud,
			sockPath,
		}
	}

	outcome, err := spawn.Spawn(selfExe, processPath, argv)
	if err != nil {
		switch outcome.Kind {
		case spawn.SpawnForkErr:
			return outcome, errs.Wrap(errs.KindSpawnFail, err, "forking spawn trampoline")
		case spawn.SpawnExecErr:
			return outcome, errs.Wrap(errs.KindSpawnFail, err, "executing mechanism or elevator")
		case spawn.SpawnPreForkErr:
			return outcome, errs.Wrap(errs.KindSpawnFail, err, "pre-exec setup: "+outcome.PreFork.String())
		default:
			return outcome, errs.Wrap(errs.KindSpawnFail, err, "spawning mechanism or elevator")
		}
	}
	return outcome, nil
}

// receiveDevice performs C6 on an accepted peer connection: arm the
// connection in the guard so an interrupting signal still closes it
// (spec.md §4.7 lists the peer fd as guard-owned), half-close for
// writing (spec.md §4.6 step 3, "the launcher never sends"), then
// receive the one PRIVFD message, then shut down and close the peer
// (step 8) regardless of outcome.
//
// The received device descriptor is handed back to Run's caller on
// success, so it must not be among the resources guard.Close tears
// down: it is armed only until the handoff is confirmed, then
// disarmed. Closing conn, by contrast, always stays the guard's job.
func receiveDevice(logger *logrus.Logger, guard *cleanup.Guard, conn *net.UnixConn, expectedPid int) (Result, *errs.Error) {
	guard.ArmPeerConn(conn)
	_ = conn.CloseWrite()

	result, err := fdrecv.Receive(conn, nil, expectedPid)
	if err != nil {
		if goerrors.Is(err, fdrecv.ErrPeerIdentity) {
			return Result{}, errs.Wrap(errs.KindProtocolPeerIdentity, err, "validating peer identity")
		}
		return Result{}, errs.Wrap(errs.KindProtocolWrongTag, err, "receiving device descriptor")
	}

	guard.ArmDeviceFD(result.Fd)
	guard.DisarmDeviceFD()

	logger.WithField("fd", result.Fd).Info("device descriptor received")
	return Result{DeviceFd: result.Fd}, nil
}

// failureError translates a terminal Failed transition into the
// *errs.Error the top level maps to an exit code, per spec.md §4.5's
// "policy denial / user cancellation / other" breakdown.
func failureError(event waitmux.Event, reason elevation.FailureReason) *errs.Error {
	if event.Kind == waitmux.Fatal {
		return errs.Wrap(errs.KindWaitFail, event.Err, "waiting for peer or mechanism exit")
	}
	switch reason {
	case elevation.ReasonPolicyDenied:
		return errs.New(errs.KindMechanismPolicyDenied, "elevation policy denied")
	case elevation.ReasonUserCancelled:
		return errs.New(errs.KindMechanismUserCancelled, "user cancelled elevation prompt")
	default:
		return errs.New(errs.KindMechanismOther, "mechanism or elevator failed")
	}
}
