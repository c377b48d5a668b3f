// Package writepipeline implements the Atomic Write Pipeline's Shadow Hop
// (spec §4.5): write-never-in-place block mutation via allocate-new,
// write-new, then atomically repoint the anchor, finally eclipsing the
// old block. Phase structure follows the teacher's careful multi-step
// journal-commit sequencing (filesystem/ext4/journal.go): compute
// everything that can fail before touching media, write the new data,
// then commit the single pointer that makes it visible.
package writepipeline

import (
	"bytes"
	"context"
	"time"

	"github.com/hn4fs/hn4/allocator"
	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/compress"
	"github.com/hn4fs/hn4/crc32c"
	"github.com/hn4fs/hn4/errs"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/placement"
	"github.com/hn4fs/hn4/policy"
	"github.com/hn4fs/hn4/qualitymask"
)

// Request describes one logical-block write.
type Request struct {
	Live          *anchor.Live
	N             uint64
	Data          []byte // the caller's bytes to write at offset 0 of the logical block
	Overwrite     bool   // true if this N already has a residency and this is a partial RMW
	RejectsBronze bool
	Intent        allocator.Intent
	Device        policy.DeviceClass
	Profile       policy.Profile
	OldLBA        uint64 // valid iff OldValid
	OldValid      bool
}

// Deps bundles the collaborators the pipeline needs, all already
// constructed for the owning volume.
type Deps struct {
	Dev            hal.Device
	Bitmap         *bitmap.Bitmap
	Quality        *qualitymask.Mask
	FluxStart      uint64
	Phi            uint64
	HorizonStart   uint64
	HorizonCap     uint64
	NonLinear      bool
	BlockSize      int
	Alloc          *allocator.Allocator // Horizon fallback source; nil disables fallback
	VolumePanicked bool
}

// znsWatchdog is the ZNS zone-append completion deadline (spec §4.5 Phase
// 7, §6.2).
const znsWatchdog = 30 * time.Second

// Result carries what the caller needs to know after a Shadow Hop: the
// code, and (on success) the shell the block landed on, for orbit_hints
// bookkeeping.
type Result struct {
	Code  errs.Code
	Shell int
}

// Write runs the Shadow Hop for one logical block write.
func Write(ctx context.Context, d Deps, req Request) Result {
	live := req.Live

	payloadCap := d.BlockSize - block.HeaderSize
	payload := make([]byte, payloadCap)

	// Phase 1 — RMW thaw is the caller's responsibility for true partial
	// overwrites: req.Data must already be the full logical-block content
	// (untouched bytes preserved, caller's bytes overlaid) before Write is
	// called, so this package only needs to copy it into the padded slot.
	if len(req.Data) > payloadCap {
		return Result{Code: errs.AlignmentFail}
	}
	copy(payload, req.Data)

	// Phase 2 — compression decision.
	hintCompressed := live.DataClass().Has(1 << 15)
	hintEncrypted := live.DataClass().Has(1 << 16)
	wantCompress := (hintCompressed || req.Profile == policy.ProfileArchive) &&
		!hintEncrypted && !req.Overwrite && len(req.Data) > 128

	compMeta := block.PackCompMeta(block.CodecNone, uint32(len(req.Data)))
	if wantCompress {
		codec := compress.ForProfile(compress.Profile(req.Profile))
		compressed, err := codec.Compress(req.Data)
		if err == nil && len(compressed) <= payloadCap && compress.Effective(len(req.Data), len(compressed)) {
			for i := range payload {
				payload[i] = 0
			}
			copy(payload, compressed)
			compMeta = block.PackCompMeta(codec.ID(), uint32(len(req.Data)))
		}
	}

	// Phase 3 — CRC over the full payload-capacity buffer.
	dataCRC := crc32c.Checksum(payload)

	// Phase 4 — generation.
	currentGen := live.WriteGen()
	nextGen := anchor.NextGeneration(currentGen)

	// Phase 5 — allocate shadow location.
	mask := policy.For(req.Device, req.Profile)
	kLimit := mask.KLimit()

	var shadowLBA uint64
	var shell int
	var allocated bool
	for k := 0; k <= kLimit; k++ {
		cand := placement.Trajectory(placement.Input{
			G: live.GravityCenter(), V: live.OrbitVector(), N: req.N, M: live.FractalScale(), K: k,
			FluxStartAligned: d.FluxStart, Phi: d.Phi,
			NonLinearMedia: d.NonLinear, NonSystemProfile: req.Profile != policy.ProfileSystem,
		})
		if cand.Overflow {
			continue
		}
		if d.Quality != nil {
			tier := d.Quality.Get(int(cand.BlockIndex))
			if tier == qualitymask.Toxic || (tier == qualitymask.Bronze && req.RejectsBronze) {
				continue
			}
		}
		if err := d.Bitmap.Set(cand.BlockIndex); err == nil {
			shadowLBA = cand.BlockIndex
			shell = k
			allocated = true
			break
		}
	}
	horizon := false
	if !allocated {
		if d.Alloc == nil {
			return Result{Code: errs.GravityCollapse}
		}
		lba, err := d.Alloc.HorizonAllocate(req.Intent, d.VolumePanicked)
		if err != nil {
			return Result{Code: errs.GravityCollapse}
		}
		shadowLBA = lba
		shell = -1
		allocated = true
		horizon = true
	}
	if shell >= 0 && shell <= 3 {
		live.SetOrbitHints(live.OrbitHints() | uint32(1<<uint(shell)))
	}
	if horizon {
		// Recompute the gravity-center so the HINT_HORIZON read path's
		// linear formula (G + N*stride) lands back on shadowLBA (spec
		// §4.3.3/§4.5 Phase 5); ordinary trajectory placement no longer
		// applies to this anchor going forward.
		stride := uint64(1) << live.FractalScale()
		live.SetGravityCenter(shadowLBA - req.N*stride)
		live.SetDataClassFlag(anchor.FlagHintHorizon)
	}

	// Phase 6 — seal header.
	header := &block.Header{
		WellID:     live.SeedID(),
		SeqIndex:   req.N,
		Generation: nextGen,
		DataCRC:    dataCRC,
		CompMeta:   compMeta,
	}
	buf := make([]byte, d.BlockSize)
	if err := header.Encode(buf); err != nil {
		_ = d.Bitmap.Clear(shadowLBA)
		return Result{Code: errs.InternalFault}
	}
	copy(buf[block.HeaderSize:], payload)

	// Phase 7 — write the shadow block.
	zns := req.Device == policy.DeviceZNS
	writeErr := writeShadow(ctx, d, zns, req.Device, req.Profile, shadowLBA, buf)

	// Phase 8 — rescue protocol on timeout (non-ZNS).
	if writeErr == errs.AtomicsTimeout && !zns {
		if err := d.Dev.Barrier(ctx); err == nil && readBackMatches(ctx, d, shadowLBA, nextGen, buf) {
			writeErr = errs.Success
		}
	}
	if writeErr != errs.Success {
		if !zns && writeErr != errs.AtomicsTimeout {
			_ = d.Bitmap.Clear(shadowLBA)
		} else if d.Quality != nil {
			// ZNS or timeout: leak the block, demote its quality tier.
			d.Quality.Degrade(int(shadowLBA))
		}
		return Result{Code: writeErr}
	}

	// Phase 9 — durability barrier.
	caps := d.Dev.GetCaps()
	batteryBacked := req.Profile == policy.ProfileHyperCloud
	nvmStrictFlush := caps.HWFlags.Has(hal.HWFlagNVM) && caps.HWFlags.Has(hal.HWFlagStrictFlush)
	if !nvmStrictFlush && !batteryBacked {
		if err := d.Dev.Barrier(ctx); err != nil {
			return Result{Code: errs.HWIO}
		}
	}

	// Phase 10 — commit anchor.
	live.GrowMass(req.N*uint64(d.BlockSize) + uint64(len(req.Data)))
	if !live.CASWriteGen(currentGen, nextGen) {
		if !zns {
			_ = d.Bitmap.Clear(shadowLBA)
		} else if d.Quality != nil {
			d.Quality.Degrade(int(shadowLBA))
		}
		return Result{Code: errs.AtomicsTimeout}
	}
	live.SetModClock(d.Dev.GetTimeNS())

	// Phase 11 — eclipse the old block.
	if req.OldValid && req.OldLBA != shadowLBA {
		_ = d.Bitmap.Clear(req.OldLBA)
	}

	return Result{Code: errs.Success, Shell: shell}
}

// writeShadow issues the shadow block write, choosing the ZNS zone-append
// path (bounded by a 30s watchdog) or the standard conventional-write
// retry path (spec §4.5 Phase 7).
func writeShadow(ctx context.Context, d Deps, zns bool, device policy.DeviceClass, profile policy.Profile, lba uint64, buf []byte) errs.Code {
	if zns {
		done := make(chan error, 1)
		req := hal.IORequest{Op: hal.OpZoneAppend, LBA: lba, Buf: buf, Sectors: 1}
		if err := d.Dev.SubmitIO(ctx, req, func(res hal.AsyncResult) { done <- res.Err }); err != nil {
			return errs.HWIO
		}
		select {
		case err := <-done:
			if err != nil {
				return errs.HWIO
			}
			return errs.Success
		case <-time.After(znsWatchdog):
			return errs.AtomicsTimeout
		}
	}

	sleep, retries := policy.RetryPolicy(device, profile)

	req := hal.IORequest{Op: hal.OpWrite, LBA: lba, Buf: buf, Sectors: 1}
	for attempt := 0; attempt < retries; attempt++ {
		if err := d.Dev.SyncIO(ctx, req); err == nil {
			return errs.Success
		}
		if ctx.Err() != nil {
			// A genuine deadline/cancellation: the write's outcome on
			// media is unknown, so the rescue protocol must run rather
			// than freeing the shadow block out from under an in-flight
			// write.
			return errs.AtomicsTimeout
		}
		if attempt < retries-1 {
			time.Sleep(sleep)
		}
	}
	// Retries exhausted with no context deadline involved: the device
	// genuinely rejected the write, so its shadow block is provably
	// unwritten and safe to free.
	return errs.HWIO
}

// readBackMatches implements the rescue protocol's read-back comparison:
// the completion interrupt may have been lost even though the write
// landed.
func readBackMatches(ctx context.Context, d Deps, lba uint64, expectGen uint32, want []byte) bool {
	buf := make([]byte, d.BlockSize)
	req := hal.IORequest{Op: hal.OpRead, LBA: lba, Buf: buf, Sectors: 1}
	if err := d.Dev.SyncIO(ctx, req); err != nil {
		return false
	}
	h, err := block.DecodeHeader(buf)
	if err != nil || h.Generation != expectGen {
		return false
	}
	return bytes.Equal(buf, want)
}
