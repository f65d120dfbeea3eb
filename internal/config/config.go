// Package config carries the build-time inputs named in spec.md §6: the
// absolute paths of the mechanism and elevator binaries, and the
// environment variable that selects the rendezvous temp root.
//
// The original C sources this spec was distilled from gate compilation
// itself on PKEXEC_PATH/MECHANISMS_PATH preprocessor defines
// (_examples/original_source/src/privilege-elevation.c). Go has no
// preprocessor, so the equivalent is link-time injection:
//
//	go build -ldflags "\
//	    -X github.com/MatrixAI/Privilege-Elevation/internal/config.MechanismPath=/usr/libexec/privilege-elevation-mechanism \
//	    -X github.com/MatrixAI/Privilege-Elevation/internal/config.ElevatorPath=/usr/bin/pkexec"
//
// Validate fails fast if either was left unset, which is the closest a
// plain `go build` (no code generation step) can come to the C sources'
// "fails to compile without them."
package config

import (
	"os"

	"github.com/MatrixAI/Privilege-Elevation/internal/errors"
)

// MechanismPath and ElevatorPath are set via -ldflags -X at link time.
// They default to empty, which Validate rejects.
var (
	MechanismPath string
	ElevatorPath  string
)

// DefaultTempRoot is used when $TMPDIR is unset, per spec.md §6.
const DefaultTempRoot = "/tmp"

// Validate checks that the build-time-required paths were supplied.
func Validate() error {
	if MechanismPath == "" {
		return errors.New(errors.KindBuildConfig, "internal/config: MechanismPath was not set at link time; build with -ldflags -X to provide it")
	}
	if ElevatorPath == "" {
		return errors.New(errors.KindBuildConfig, "internal/config: ElevatorPath was not set at link time; build with -ldflags -X to provide it")
	}
	return nil
}

// TempRoot returns $TMPDIR, or DefaultTempRoot if unset.
func TempRoot() string {
	if root := os.Getenv("TMPDIR"); root != "" {
		return root
	}
	return DefaultTempRoot
}
