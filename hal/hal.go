// Package hal defines the hardware abstraction layer contract (spec §6.2)
// that the HN4 core calls into. The HAL itself — sync/async block I/O,
// capabilities, timers, RNG, spinlocks, memory allocation — is an external
// collaborator, out of scope for this repository; only the interfaces the
// core depends on live here. Production HAL implementations (talking to a
// real NVMe/ZNS/HDD/PICO device) are not part of this module. A reference
// implementation used only by tests lives in internal/simhal.
package hal

import "context"

// IOOp identifies the kind of synchronous or asynchronous I/O requested.
type IOOp int

const (
	OpRead IOOp = iota
	OpWrite
	OpDiscard
	OpZoneReset
	OpZoneAppend
)

// Caps describes the static capabilities of a device, fetched once at mount.
type Caps struct {
	LogicalBlockSize  int
	TotalCapacityBytes int64
	QueueCount        int
	HWFlags           HWFlags
	ZoneSizeBytes     int64
}

// HWFlags is a bitset of hardware capability flags referenced by §4.5 Phase 9
// (durability barrier elision) and elsewhere.
type HWFlags uint32

const (
	HWFlagNone        HWFlags = 0
	HWFlagNVM         HWFlags = 1 << 0
	HWFlagStrictFlush HWFlags = 1 << 1
	HWFlagZoned       HWFlags = 1 << 2
	HWFlagRotational  HWFlags = 1 << 3
)

func (f HWFlags) Has(bit HWFlags) bool { return f&bit == bit }

// IORequest is a single synchronous or submitted I/O.
type IORequest struct {
	Op      IOOp
	LBA     uint64
	Buf     []byte
	Sectors int
}

// AsyncResult is delivered to a submit_io callback (or polled) once an
// asynchronous request completes. ActualLBA matters only for OpZoneAppend,
// where the device — not the caller — determines final placement.
type AsyncResult struct {
	Req       IORequest
	ActualLBA uint64
	Err       error
}

// Device is the HAL surface the HN4 core requires. No production
// implementation ships in this module; it is implemented by the platform
// integration that embeds HN4, and by internal/simhal for tests.
type Device interface {
	// SyncIO performs a blocking I/O of the given kind.
	SyncIO(ctx context.Context, req IORequest) error

	// SubmitIO enqueues an asynchronous I/O; callback fires on completion,
	// possibly from another goroutine. Used for ZNS zone-append, where the
	// device reports back the actual placement LBA.
	SubmitIO(ctx context.Context, req IORequest, callback func(AsyncResult)) error

	// Poll drains completed asynchronous I/O for the device, invoking any
	// pending callbacks. Safe to call from any goroutine.
	Poll(ctx context.Context) error

	// Barrier blocks until all previously submitted writes are durable.
	Barrier(ctx context.Context) error

	// GetTimeNS returns a monotonic-or-wall nanosecond timestamp, the HAL's
	// clock source for mod_clock/create_clock.
	GetTimeNS() int64

	// GetRandomU64 returns a uniform random 64-bit value. Cryptographic
	// strength is not required (spec §6.2).
	GetRandomU64() uint64

	// GetCaps returns the device's static capabilities.
	GetCaps() Caps

	// GetCallingGPUID returns the GPU id of the calling context, or
	// 0xFFFFFFFF if none. Consulted only by AI-profile affinity placement.
	GetCallingGPUID() uint32
}

// NoGPU is the sentinel GetCallingGPUID returns when no GPU context exists.
const NoGPU uint32 = 0xFFFFFFFF
