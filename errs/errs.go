// Package errs defines the HN4 error taxonomy (spec §6.3): one kind per
// enumerator, returned to callers as results rather than raised as control
// flow. The core never panics on an expected condition; it returns an
// *Error carrying a Code so callers can dispatch on kind with errors.As.
package errs

import "fmt"

// Code is one enumerator of the error taxonomy. Zero is Success.
type Code int

const (
	Success Code = iota

	// Positive informational codes. These are not failures; callers treat
	// them as successful completions with extra context.
	Pending
	Healed
	Sparse
	HorizonFallback
	Thawed

	// Allocation family.
	ENOSPC
	EventHorizon
	GravityCollapse
	BitmapCorrupt
	AlignmentFail
	AtomicsTimeout
	ZoneFull

	// Identity family.
	NotFound
	Tombstone
	IDMismatch

	// Access family.
	AccessDenied
	Immutable

	// Integrity family.
	HWIO
	DataRot
	HeaderRot
	PayloadRot
	ParityBroken
	PhantomBlock
	DecompressFail
	MediaToxic

	// Time family.
	GenerationSkew

	// System family.
	BadSuperblock
	NOMEM
	ProfileMismatch
	EndianMismatch
	InternalFault
	Geometry
	InvalidArgument
	Uninitialized
	EEXIST
	CompressionIneffective

	// VolumeLocked is returned for every write once the volume PANIC flag
	// is raised (§7).
	VolumeLocked
)

var names = map[Code]string{
	Success:                "success",
	Pending:                "pending",
	Healed:                 "healed",
	Sparse:                 "sparse",
	HorizonFallback:        "horizon_fallback",
	Thawed:                 "thawed",
	ENOSPC:                 "enospc",
	EventHorizon:           "event_horizon",
	GravityCollapse:        "gravity_collapse",
	BitmapCorrupt:          "bitmap_corrupt",
	AlignmentFail:          "alignment_fail",
	AtomicsTimeout:         "atomics_timeout",
	ZoneFull:               "zone_full",
	NotFound:               "not_found",
	Tombstone:              "tombstone",
	IDMismatch:             "id_mismatch",
	AccessDenied:           "access_denied",
	Immutable:              "immutable",
	HWIO:                   "hw_io",
	DataRot:                "data_rot",
	HeaderRot:              "header_rot",
	PayloadRot:             "payload_rot",
	ParityBroken:           "parity_broken",
	PhantomBlock:           "phantom_block",
	DecompressFail:         "decompress_fail",
	MediaToxic:             "media_toxic",
	GenerationSkew:         "generation_skew",
	BadSuperblock:          "bad_superblock",
	NOMEM:                  "nomem",
	ProfileMismatch:        "profile_mismatch",
	EndianMismatch:         "endian_mismatch",
	InternalFault:          "internal_fault",
	Geometry:               "geometry",
	InvalidArgument:        "invalid_argument",
	Uninitialized:          "uninitialized",
	EEXIST:                 "eexist",
	CompressionIneffective: "compression_ineffective",
	VolumeLocked:           "volume_locked",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is the concrete error type returned across the HN4 core. It always
// carries a Code; Msg and Cause are optional context.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.New(SomeCode, "")) match purely on Code,
// ignoring Msg/Cause — callers usually want errs.Is(err, SomeCode) below,
// this method exists to make errors.Is work against an *Error sentinel too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New constructs an *Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap constructs an *Error with the given code, message, and cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// Is reports whether err carries the given Code, unwrapping as needed.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Code == code {
				return true
			}
			err = e.Cause
			continue
		}
		break
	}
	return false
}

// CodeOf extracts the Code from err, or Success if err is nil, or
// InternalFault if err is a non-HN4 error.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return InternalFault
}
