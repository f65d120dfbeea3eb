package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/MatrixAI/Privilege-Elevation/internal/config"
	errs "github.com/MatrixAI/Privilege-Elevation/internal/errors"
	"github.com/MatrixAI/Privilege-Elevation/internal/launcher"
	"github.com/MatrixAI/Privilege-Elevation/internal/logging"
	"github.com/MatrixAI/Privilege-Elevation/internal/spawn"
	"github.com/MatrixAI/Privilege-Elevation/internal/sysexits"
)

func closeFd(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// version is set via -ldflags -X at release build time; empty in
// development builds.
var version = ""

func main() {
	// The spawn trampoline re-execs this same binary (spec.md §4.2's
	// "child path", C2) with TrampolineSentinel as argv[1]; intercept
	// that before any CLI flag parsing runs, exactly the way a real
	// shell entry point branches on argv[0]/argv[1] rather than trying
	// to make the flag parser understand an internal-only mode.
	if len(os.Args) > 1 && os.Args[1] == spawn.TrampolineSentinel {
		spawn.RunTrampoline(os.Args[2:])
		// RunTrampoline does not return: it either execs into the
		// target or reports the failure over the pipe and calls
		// os.Exit itself. This exit is a fallback only.
		os.Exit(sysexits.Software)
	}

	app := cli.NewApp()
	app.Name = "privilege-elevation"
	app.Usage = "open a restricted serial device, escalating privilege only if needed"
	app.Version = version
	app.ArgsUsage = "[-b <baud>] [--] <serial-port-path>"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "baud, b",
			Value: "9600",
			Usage: "baud rate passed through to the mechanism",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(sysexits.Usage)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("exactly one serial-port-path argument is required", sysexits.Usage)
	}
	devicePath := c.Args().Get(0)
	baud := c.String("baud")

	if err := config.Validate(); err != nil {
		return toExitError(err)
	}

	logger := logging.New()

	result, launchErr := launcher.Run(logger, launcher.Options{DevicePath: devicePath, Baud: baud})
	if launchErr != nil {
		logger.WithFields(map[string]interface{}{
			"stage": launchErr.Stage,
			"kind":  launchErr.Kind,
		}).Error(launchErr.Error())
		return toExitError(launchErr)
	}

	// The received descriptor is now owned by this process exactly as
	// if it had been opened directly (spec.md §4.6); a production
	// build would hand it to whatever consumes the serial device next.
	// That consumer is outside this specification's scope (spec.md §1),
	// so close it once ownership has been demonstrated.
	defer func() { _ = closeFd(result.DeviceFd) }()

	fmt.Fprintf(os.Stdout, "received device descriptor %d for %s\n", result.DeviceFd, devicePath)
	return nil
}

// toExitError maps an *errs.Error to a cli.ExitError carrying the
// sysexits code named in spec.md §6, preserving the one-line
// stage+kind message spec.md §7 requires on stderr.
func toExitError(err error) error {
	if e, ok := err.(*errs.Error); ok {
		return cli.NewExitError(e.Error(), errs.ExitCode(e.Kind))
	}
	return cli.NewExitError(err.Error(), sysexits.Software)
}
