// Package sysexits carries the process exit codes used throughout the
// launcher, following the BSD sysexits.h convention named in spec.md §6.
package sysexits

// Exit codes the launcher may terminate with. Values match sysexits.h.
const (
	// OK indicates successful termination.
	OK = 0

	// Usage indicates the command was used incorrectly, e.g. bad
	// arguments, or the user cancelled the elevator prompt.
	Usage = 64

	// Software indicates an internal software error, e.g. a violated
	// invariant such as ancillary buffer truncation.
	Software = 70

	// OSErr indicates an operating system primitive failed in a way
	// that is not the caller's fault (fork, pipe, socket).
	OSErr = 71

	// CantCreat indicates a user-specified output file or resource
	// could not be created; here, the rendezvous directory or socket.
	CantCreat = 73

	// IOErr indicates an I/O error occurred on the received device
	// descriptor after it was handed back to the launcher.
	IOErr = 74

	// Protocol indicates a remote protocol violation, e.g. a peer
	// identity mismatch or a malformed wire message.
	Protocol = 76

	// NoPerm indicates permission was denied: the mechanism exits with
	// it when it may not open the device, and the launcher exits with
	// it when the elevated retry is denied by policy.
	NoPerm = 77

	// Unavailable indicates a required service or subprocess could
	// not be run at all.
	Unavailable = 69
)
