// Package simhal is a reference hal.Device implementation backed by a
// plain file, used only by tests. It is not a production HAL: real block
// I/O, ZNS zone semantics, and NVMe capability discovery are external
// collaborators per spec §6.2. Grounded on the teacher's loopback-file
// disk backend (disk/disk.go): open a regular file, read/write at byte
// offsets derived from an LBA and a fixed sector size.
package simhal

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	times "gopkg.in/djherbis/times.v1"

	"github.com/hn4fs/hn4/hal"
)

// Config describes a simulated device's static geometry.
type Config struct {
	Path             string
	LogicalBlockSize int
	TotalSectors     int64
	Zoned            bool
	ZoneSizeBytes    int64
	Rotational       bool
	NVM              bool
	StrictFlush      bool
	// Seed seeds the device's deterministic RNG, so tests can reproduce a
	// specific trajectory/placement sequence.
	Seed int64
	// Direct opens the backing file with O_DIRECT on Linux, simulating
	// unbuffered block-device I/O. Ignored on other platforms.
	Direct bool
}

// Device is a file-backed hal.Device for tests.
type Device struct {
	cfg  Config
	f    *os.File
	mu   sync.Mutex
	rng  *rand.Rand
	caps hal.Caps
}

// Open creates (or truncates) the backing file at cfg.Path and sizes it to
// cfg.TotalSectors * cfg.LogicalBlockSize.
func Open(cfg Config) (*Device, error) {
	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if cfg.Direct {
		flags |= openDirectFlag()
	}
	f, err := os.OpenFile(cfg.Path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("simhal: open %s: %w", cfg.Path, err)
	}
	size := cfg.TotalSectors * int64(cfg.LogicalBlockSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("simhal: truncate: %w", err)
	}

	var flags hal.HWFlags
	if cfg.Rotational {
		flags |= hal.HWFlagRotational
	}
	if cfg.Zoned {
		flags |= hal.HWFlagZoned
	}
	if cfg.NVM {
		flags |= hal.HWFlagNVM
	}
	if cfg.StrictFlush {
		flags |= hal.HWFlagStrictFlush
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return &Device{
		cfg: cfg,
		f:   f,
		rng: rand.New(rand.NewSource(seed)),
		caps: hal.Caps{
			LogicalBlockSize:   cfg.LogicalBlockSize,
			TotalCapacityBytes: size,
			QueueCount:         1,
			HWFlags:            flags,
			ZoneSizeBytes:      cfg.ZoneSizeBytes,
		},
	}, nil
}

// Close releases the backing file.
func (d *Device) Close() error { return d.f.Close() }

// ManufactureTime reports the backing file's birth time, a simulated
// device manufacture timestamp with no bearing on anchor clocks (those
// come from GetTimeNS, per spec §3).
func (d *Device) ManufactureTime() (time.Time, error) {
	t, err := times.Stat(d.cfg.Path)
	if err != nil {
		return time.Time{}, err
	}
	if t.HasBirthTime() {
		return t.BirthTime(), nil
	}
	return t.ModTime(), nil
}

func (d *Device) offset(lba uint64) int64 {
	return int64(lba) * int64(d.cfg.LogicalBlockSize)
}

func (d *Device) doIO(req hal.IORequest) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Op {
	case hal.OpRead:
		_, err := d.f.ReadAt(req.Buf, d.offset(req.LBA))
		return req.LBA, err
	case hal.OpWrite, hal.OpZoneAppend:
		lba := req.LBA
		if req.Op == hal.OpZoneAppend {
			lba = d.simulateZoneAppend(req.LBA)
		}
		_, err := d.f.WriteAt(req.Buf, d.offset(lba))
		return lba, err
	case hal.OpDiscard:
		zeros := make([]byte, int(req.Sectors)*d.cfg.LogicalBlockSize)
		_, err := d.f.WriteAt(zeros, d.offset(req.LBA))
		return req.LBA, err
	case hal.OpZoneReset:
		zeros := make([]byte, req.Sectors*d.cfg.LogicalBlockSize)
		_, err := d.f.WriteAt(zeros, d.offset(req.LBA))
		return req.LBA, err
	default:
		return 0, fmt.Errorf("simhal: unknown op %d", req.Op)
	}
}

// simulateZoneAppend returns the predicted LBA unchanged: this reference
// HAL never drifts a zone-append, since genesis-drift and mid-file-drift
// are core-logic paths exercised by tests that inject drift directly
// rather than relying on a simulated drive quirk.
func (d *Device) simulateZoneAppend(predicted uint64) uint64 { return predicted }

// SyncIO performs a blocking I/O.
func (d *Device) SyncIO(ctx context.Context, req hal.IORequest) error {
	_, err := d.doIO(req)
	return err
}

// SubmitIO runs the I/O synchronously and invokes callback inline; tests
// don't need genuine async completion to exercise the ZNS watchdog path
// (they inject a context deadline instead).
func (d *Device) SubmitIO(ctx context.Context, req hal.IORequest, callback func(hal.AsyncResult)) error {
	actual, err := d.doIO(req)
	callback(hal.AsyncResult{Req: req, ActualLBA: actual, Err: err})
	return nil
}

// Poll is a no-op: SubmitIO already completed synchronously.
func (d *Device) Poll(ctx context.Context) error { return nil }

// Barrier is a no-op: every write already landed synchronously.
func (d *Device) Barrier(ctx context.Context) error { return nil }

// GetTimeNS returns the wall-clock time in nanoseconds.
func (d *Device) GetTimeNS() int64 { return time.Now().UnixNano() }

// GetRandomU64 returns the device's deterministic PRNG output.
func (d *Device) GetRandomU64() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Uint64()
}

// GetCaps returns the device's static capabilities.
func (d *Device) GetCaps() hal.Caps { return d.caps }

// GetCallingGPUID always reports no GPU context in the reference HAL.
func (d *Device) GetCallingGPUID() uint32 { return hal.NoGPU }
