// Package exitcode translates the sentinel errors produced throughout
// this module into the signed integer codes documented in the error
// handling design (§7): stable numeric meanings for setup, probe,
// access, protection, erase, write, FMAP, OTP, and resource errors.
//
// Internal code never passes these integers around directly — error
// values flow as plain Go errors everywhere except at this CLI/library
// boundary, matching the teacher's own error-handling style
// (errors.New/fmt.Errorf with sentinels, never an ad hoc status code).
package exitcode

import (
	"context"
	"errors"

	"github.com/flashprog/flashprog/internal/blockprotect"
	"github.com/flashprog/flashprog/internal/fmap"
	"github.com/flashprog/flashprog/internal/otp"
	"github.com/flashprog/flashprog/internal/statusreg"
	"github.com/flashprog/flashprog/internal/writer"
)

// Documented codes (§7 "Propagation policy").
const (
	OutOfMemory      = -100
	Timeout          = -101
	InternalBug      = -200
	CompileTimeLimit = -201
	NonFatalWarning  = 256
	Success          = 0
	GenericFailure   = 1
)

// For resolves err to its documented numeric code. A nil error maps to
// Success. Unrecognized errors map to GenericFailure, the catch-all
// the CLI uses for any failure the spec doesn't assign a dedicated
// code to (§6 "Exit code 0 on full success, 1 on any failure").
func For(err error) int {
	if err == nil {
		return Success
	}

	switch {
	case errors.Is(err, statusreg.ErrTimeout):
		return Timeout
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, otp.ErrLocked):
		return protectionError
	case errors.Is(err, blockprotect.ErrHardwareProtected):
		return protectionError
	case errors.Is(err, otp.ErrRegionOutOfRange):
		return otpRegionOutOfRange
	case errors.Is(err, fmap.ErrNotFound):
		return fmapNotFound
	case errors.Is(err, fmap.ErrTruncated):
		return fmapTruncated
	case errors.Is(err, fmap.ErrHeaderInvalid):
		return fmapHeaderInvalid
	}

	var verifyErr *writer.ErrVerifyMismatch
	if errors.As(err, &verifyErr) {
		return writeVerifyMismatch
	}
	var eraseVerifyErr *writer.ErrEraseVerifyFailed
	if errors.As(err, &eraseVerifyErr) {
		return eraseVerifyMismatch
	}
	var protectedErr *writer.ErrProtectedRange
	if errors.As(err, &protectedErr) {
		return protectionError
	}

	return GenericFailure
}

// Context-specific positive codes (§7: "positive values are
// context-specific"). These are internal to this module, not
// documented as stable ABI the way the negative/256 codes are, but
// kept distinct so CLI diagnostics and tests can tell failure classes
// apart.
const (
	protectionError     = 10
	otpRegionOutOfRange = 11
	fmapNotFound        = 12
	fmapTruncated       = 13
	fmapHeaderInvalid   = 14
	writeVerifyMismatch = 20
	eraseVerifyMismatch = 21
)
