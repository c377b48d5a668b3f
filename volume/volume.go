// Package volume implements the Volume Context (spec §3): the process-wide
// object owning one mounted volume's bitmap, L2 summary, quality mask,
// Cortex, atomic counters, scavenger cursor, medic queue, and Delta Table,
// exposing the record-oriented public API (create anchor, read/write
// block, delete, mount, unmount, snapshot). Lifecycle and config-struct
// style are grounded on the teacher's filesystem-wide context object
// (filesystem/ext4/ext4.go), which plays the same "one owner of every
// subsystem, constructed at mount, torn down at unmount" role.
package volume

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/hn4fs/hn4/allocator"
	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/deltatable"
	"github.com/hn4fs/hn4/errs"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/layout"
	"github.com/hn4fs/hn4/placement"
	"github.com/hn4fs/hn4/policy"
	"github.com/hn4fs/hn4/qualitymask"
	"github.com/hn4fs/hn4/resolver"
	"github.com/hn4fs/hn4/scavenger"
	"github.com/hn4fs/hn4/seedhash"
	"github.com/hn4fs/hn4/spinlock"
	"github.com/hn4fs/hn4/writepipeline"
	uuid "github.com/satori/go.uuid"
)

// Config describes the static parameters a volume is mounted with. Zero
// values are invalid; Defaults fills in the documented defaults for
// anything the caller leaves unset.
type Config struct {
	Device  policy.DeviceClass
	Profile policy.Profile
	Regions layout.Regions

	// MedicQueueCap defaults to 16 if zero.
	MedicQueueCap int
}

// Defaults fills zero fields in cfg with the documented defaults.
func Defaults(cfg Config) Config {
	if cfg.MedicQueueCap == 0 {
		cfg.MedicQueueCap = 16
	}
	return cfg
}

// Volume is the mounted, live representation of one HN4 volume.
type Volume struct {
	cfg Config
	dev hal.Device
	log *logrus.Entry

	bitmap  *bitmap.Bitmap
	quality *qualitymask.Mask
	cortex  *anchor.Cortex
	delta   *deltatable.Table
	hasher  *seedhash.Hasher
	alloc   *allocator.Allocator

	reaper    *scavenger.Reaper
	medic     *scavenger.Medic
	stitcher  *scavenger.Stitcher
	auditor   *scavenger.Auditor
	evacuator *scavenger.Evacuator

	nonLinear bool

	crcFailures    atomic.Uint64
	panicked       atomic.Bool
	dirty          atomic.Bool
	nextAnchorSlot atomic.Uint64
}

// phi returns phi, the number of fractal-0 placement slots in the Flux
// region.
func phi(r layout.Regions) uint64 {
	if r.HorizonStart <= r.FluxStart {
		return 0
	}
	return r.HorizonStart - r.FluxStart
}

// horizonCapacity returns the block count of the Horizon ring.
func horizonCapacity(r layout.Regions) uint64 {
	if r.JournalStart <= r.HorizonStart {
		return 0
	}
	return r.JournalStart - r.HorizonStart
}

// Mount constructs a Volume over dev using the region layout and config
// produced by the (out-of-scope) format/mount bootstrap.
func Mount(ctx context.Context, dev hal.Device, cfg Config) (*Volume, error) {
	cfg = Defaults(cfg)
	caps := dev.GetCaps()
	if caps.TotalCapacityBytes <= 0 {
		return nil, errs.New(errs.BadSuperblock, "device reports zero capacity")
	}

	var key [seedhash.KeySize]byte
	for i := 0; i < seedhash.KeySize; i += 8 {
		v := dev.GetRandomU64()
		for j := 0; j < 8 && i+j < seedhash.KeySize; j++ {
			key[i+j] = byte(v >> (8 * j))
		}
	}

	bm := bitmap.New(cfg.Regions.TotalBlocks)
	qm := qualitymask.New(int(cfg.Regions.TotalBlocks))
	cortex := anchor.NewCortex(&spinlock.Spin{})
	delta := deltatable.New()
	hasher := seedhash.NewHasher(key)

	nonLinear := caps.HWFlags.Has(hal.HWFlagRotational) ||
		cfg.Device == policy.DeviceZNS || cfg.Device == policy.DeviceTape

	alloc := allocator.New(allocator.Config{
		Bitmap: bm, Quality: qm, Device: cfg.Device, Profile: cfg.Profile,
		FluxStartAligned: cfg.Regions.FluxStart, Phi: phi(cfg.Regions), NonLinearMedia: nonLinear,
		HorizonStart: cfg.Regions.HorizonStart, HorizonCapacity: horizonCapacity(cfg.Regions),
	})

	v := &Volume{
		cfg: cfg, dev: dev, log: logrus.WithField("component", "volume"),
		bitmap: bm, quality: qm, cortex: cortex, delta: delta, hasher: hasher, alloc: alloc,
		nonLinear: nonLinear,
	}
	v.reaper = scavenger.NewReaper(cortex, bm, delta, hasher, dev, cfg.Regions.BlockSize, cfg.Regions.CortexStart, cfg.Device == policy.DevicePICO)
	v.medic = scavenger.NewMedic(cortex, bm, delta, hasher, dev, cfg.Regions.BlockSize, cfg.Regions.CortexStart, cfg.Regions.FluxStart, phi(cfg.Regions), nonLinear, cfg.MedicQueueCap)
	v.stitcher = scavenger.NewStitcher(cortex, dev, cfg.Regions.BlockSize)
	v.auditor = scavenger.NewAuditor(cortex, bm, delta, hasher, dev, cfg.Regions.BlockSize, cfg.Regions.FluxStart, phi(cfg.Regions), nonLinear)

	if cfg.Device == policy.DeviceZNS && caps.HWFlags.Has(hal.HWFlagZoned) && caps.ZoneSizeBytes > 0 {
		zoneSize := uint64(caps.ZoneSizeBytes) / uint64(cfg.Regions.BlockSize)
		if zoneSize > 0 && cfg.Regions.TotalBlocks >= zoneSize {
			zoneCount := cfg.Regions.TotalBlocks / zoneSize
			fluxStart := cfg.Regions.FluxStart
			v.evacuator = scavenger.NewEvacuator(cortex, bm, dev, cfg.Regions.BlockSize, zoneSize, zoneCount,
				func(zone uint64) bool { return zone*zoneSize < fluxStart },
				v.relocateToHorizon)
		}
	}

	v.log.Info("volume mounted")
	return v, nil
}

// relocateToHorizon copies the block at lba into the Horizon ring and
// bridges old reads to it via a Delta Table entry, the Evacuator's
// injected relocation strategy for ZNS zone packing (spec §4.6.3).
func (v *Volume) relocateToHorizon(ctx context.Context, snapshot anchor.Record, lba uint64) (uint64, bool) {
	buf := make([]byte, v.cfg.Regions.BlockSize)
	if err := v.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpRead, LBA: lba, Buf: buf, Sectors: 1}); err != nil {
		return 0, false
	}
	h, err := block.DecodeHeader(buf)
	if err != nil {
		return 0, false
	}
	newLBA, err := v.alloc.HorizonAllocate(allocator.IntentDefault, v.panicked.Load())
	if err != nil {
		return 0, false
	}
	if err := v.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpWrite, LBA: newLBA, Buf: buf, Sectors: 1}); err != nil {
		_ = v.bitmap.Clear(newLBA)
		return 0, false
	}
	seedHash := v.hasher.Of(snapshot.SeedID)
	if err := v.delta.Register(lba, seedHash, newLBA, h.Generation); err != nil {
		_ = v.bitmap.Clear(newLBA)
		return 0, false
	}
	return newLBA, true
}

// Unmount tears down the volume. The scavenger's own pulse loop (owned by
// the caller, typically a goroutine calling the Run*Pulse methods on a
// ticker) is expected to have already observed an unmount-in-progress
// signal and drained its current pulse (spec §5 Cancellation) before this
// is called.
func (v *Volume) Unmount(ctx context.Context) error {
	v.log.Info("volume unmounted")
	return nil
}

// Panicked reports whether the volume has raised its PANIC flag.
func (v *Volume) Panicked() bool { return v.panicked.Load() }

func (v *Volume) raisePanic(reason string) {
	v.panicked.Store(true)
	v.dirty.Store(true)
	v.log.WithField("reason", reason).Error("volume PANIC raised")
}

// Dirty reports whether the volume needs an fsck pass on next mount.
func (v *Volume) Dirty() bool { return v.dirty.Load() || v.alloc.Dirty() }

// CreateAnchor performs Genesis for a new file: it persists the anchor
// record to its Cortex-table sector before the anchor becomes visible to
// any reader, so a crash right after genesis never leaves a live anchor
// with no on-media identity to recover from (spec §3, crash recovery goal).
func (v *Volume) CreateAnchor(ctx context.Context, fractalScale uint8, intent allocator.Intent, nowNS int64) (uuid.UUID, error) {
	if v.panicked.Load() {
		return uuid.UUID{}, errs.New(errs.VolumeLocked, "volume is in PANIC, writes refused")
	}
	g, vec, err := v.alloc.Genesis(v.dev.GetRandomU64, fractalScale, intent, v.dev.GetCallingGPUID())
	if err != nil {
		return uuid.UUID{}, err
	}
	seedID := uuid.NewV4()
	record := &anchor.Record{
		SeedID: seedID, PublicID: uuid.NewV4(), GravityCtr: g, OrbitVector: vec,
		FractalScale: fractalScale, DataClass: anchor.FlagValid, Permissions: anchor.PermRead | anchor.PermWrite,
		WriteGen: 1, ModClock: nowNS, CreateClock: nowNS,
	}
	slot := v.nextAnchorSlot.Add(1) - 1
	if err := anchor.Persist(ctx, v.dev, v.cfg.Regions.CortexStart, slot, v.cfg.Regions.BlockSize, record); err != nil {
		return uuid.UUID{}, errs.Wrap(errs.HWIO, "anchor genesis persist failed", err)
	}
	live := anchor.NewLive(record)
	live.SetSlotIndex(slot)
	v.cortex.Insert(live)
	return seedID, nil
}

// DeleteAnchor marks an anchor TOMBSTONE|VALID; the Reaper reclaims its
// blocks after the grace period (spec §4.6.1).
func (v *Volume) DeleteAnchor(seedID uuid.UUID, nowNS int64) error {
	live := v.cortex.Lookup(seedID)
	if live == nil {
		return errs.New(errs.NotFound, "no such anchor")
	}
	live.SetDataClassFlag(anchor.FlagTombstone)
	live.SetModClock(nowNS)
	return nil
}

// Lookup returns the live anchor for seedID, or nil.
func (v *Volume) Lookup(seedID uuid.UUID) *anchor.Live { return v.cortex.Lookup(seedID) }

// WriteBlock runs the Shadow Hop for logical index n of the given anchor.
// sessionPerms are OR'd onto the anchor's own permissions for this call
// (spec §4.5: `effective_perms = anchor.permissions | session_perms`).
func (v *Volume) WriteBlock(ctx context.Context, seedID uuid.UUID, n uint64, data []byte, overwrite bool, oldLBA uint64, oldValid bool, intent allocator.Intent, sessionPerms anchor.Permissions) (int, error) {
	live := v.cortex.Lookup(seedID)
	if live == nil {
		return 0, errs.New(errs.NotFound, "no such anchor")
	}

	dc := live.DataClass()
	if code := writePreflight(false, v.panicked.Load(), dc.Has(anchor.FlagTombstone), live.Permissions().Has(anchor.PermImmutable)); code != errs.Success {
		return 0, errs.New(code, "write preflight refused")
	}

	effective := live.Permissions() | sessionPerms
	pastTail := uint64(n)*uint64(v.cfg.Regions.BlockSize) >= live.Mass()
	if pastTail && !effective.Has(anchor.PermAppend) && !effective.Has(anchor.PermWrite) && !effective.Has(anchor.PermSovereign) {
		return 0, errs.New(errs.AccessDenied, "append past file tail requires append/write/sovereign")
	}
	if !effective.Has(anchor.PermWrite) && !effective.Has(anchor.PermAppend) && !effective.Has(anchor.PermSovereign) {
		return 0, errs.New(errs.AccessDenied, "no write/append/sovereign permission")
	}

	res := writepipeline.Write(ctx, writepipeline.Deps{
		Dev: v.dev, Bitmap: v.bitmap, Quality: v.quality,
		FluxStart: v.cfg.Regions.FluxStart, Phi: phi(v.cfg.Regions),
		HorizonStart: v.cfg.Regions.HorizonStart, HorizonCap: horizonCapacity(v.cfg.Regions),
		NonLinear: v.nonLinear, BlockSize: v.cfg.Regions.BlockSize,
		Alloc: v.alloc, VolumePanicked: v.panicked.Load(),
	}, writepipeline.Request{
		Live: live, N: n, Data: data, Overwrite: overwrite, RejectsBronze: intent != allocator.IntentDefault,
		Intent: intent, Device: v.cfg.Device, Profile: v.cfg.Profile, OldLBA: oldLBA, OldValid: oldValid,
	})

	if res.Code == errs.GravityCollapse {
		v.medic.NoteCollision()
	}
	if res.Code != errs.Success {
		v.dirty.Store(true)
		return 0, errs.New(res.Code, "write pipeline failed")
	}
	return res.Shell, nil
}

// ReadBlock resolves and verifies logical index n of the given anchor,
// returning its decoded payload.
func (v *Volume) ReadBlock(ctx context.Context, seedID uuid.UUID, n uint64) ([]byte, error) {
	live := v.cortex.Lookup(seedID)
	if live == nil {
		return nil, errs.New(errs.NotFound, "no such anchor")
	}
	if live.DataClass().Has(anchor.FlagTombstone) {
		return nil, errs.New(errs.Tombstone, "anchor is tombstoned")
	}
	if !live.Permissions().Has(anchor.PermRead) {
		return nil, errs.New(errs.AccessDenied, "anchor is not readable")
	}

	phys := resolver.Physics{
		G: live.GravityCenter(), V: live.OrbitVector(), M: live.FractalScale(), WellID: live.SeedID(),
		NonLinearMedia: v.nonLinear, NonSystemProfile: v.cfg.Profile != policy.ProfileSystem,
	}
	genSnapshot := live.WriteGen()
	seedHash := v.hasher.Of(seedID)

	// HINT_HORIZON (spec §4.4 bullet 1): the anchor's residency is linear,
	// not shell-placed, so try the direct formula before ever enumerating
	// collision shells.
	if live.DataClass().Has(anchor.FlagHintHorizon) {
		lba := resolver.HorizonCandidate(phys, n)
		if newLBA, ver, found := v.delta.Lookup(lba, seedHash); found && ver == genSnapshot {
			lba = newLBA
		}
		_, payload, err := resolver.ReadCandidate(v.dev, v.bitmap, lba, v.cfg.Regions.BlockSize, live.SeedID(), n, genSnapshot)
		if err == nil {
			return payload, nil
		}
		if errs.Is(err, errs.PayloadRot) || errs.Is(err, errs.HeaderRot) {
			v.crcFailures.Add(1)
		}
	}

	mask := policy.For(v.cfg.Device, v.cfg.Profile)
	candidates := resolver.Enumerate(phys, v.cfg.Regions.FluxStart, phi(v.cfg.Regions), n, mask.KLimit())

	if v.cfg.Device == policy.DeviceHDD {
		resolver.SortCLook(candidates)
	}

	for _, c := range candidates {
		lba := c.BlockIndex
		if newLBA, ver, found := v.delta.Lookup(lba, seedHash); found && ver == genSnapshot {
			lba = newLBA
		}
		_, payload, err := resolver.ReadCandidate(v.dev, v.bitmap, lba, v.cfg.Regions.BlockSize, live.SeedID(), n, genSnapshot)
		if err == nil {
			return payload, nil
		}
		if errs.Is(err, errs.PayloadRot) || errs.Is(err, errs.HeaderRot) {
			v.crcFailures.Add(1)
		}
	}
	return nil, errs.New(errs.NotFound, "no candidate verified for logical block")
}

// Snapshot returns a consistent, point-in-time view of an anchor.
func (v *Volume) Snapshot(seedID uuid.UUID) (anchor.Record, error) {
	live := v.cortex.Lookup(seedID)
	if live == nil {
		return anchor.Record{}, errs.New(errs.NotFound, "no such anchor")
	}
	return live.Snapshot(), nil
}

// UsedBlocks reports the live used-block counter.
func (v *Volume) UsedBlocks() uint64 { return v.bitmap.UsedBlocks() }

// HealCount reports the cumulative Armored Bitmap self-heal counter.
func (v *Volume) HealCount() uint64 { return v.bitmap.HealedCount() }

// CRCFailures reports the cumulative read-path CRC failure counter.
func (v *Volume) CRCFailures() uint64 { return v.crcFailures.Load() }

// blockLBAs enumerates, for each of a file's first blockCount logical
// indices, the HINT_HORIZON linear location when the anchor carries that
// flag and the bitmap marks it used, otherwise the first collision shell
// the bitmap marks used, for the Reaper pass, which needs a file's full
// placement projection rather than a single resolved candidate.
func (v *Volume) blockLBAs(snapshot anchor.Record, blockCount uint64, maxK int) []uint64 {
	out := make([]uint64, 0, blockCount)
	horizon := snapshot.DataClass.Has(anchor.FlagHintHorizon)
	for n := uint64(0); n < blockCount; n++ {
		if horizon {
			lba := resolver.HorizonCandidate(resolver.Physics{G: snapshot.GravityCtr, M: snapshot.FractalScale}, n)
			if used, _ := v.bitmap.Test(lba); used {
				out = append(out, lba)
				continue
			}
		}
		for k := 0; k <= maxK; k++ {
			cand := placement.Trajectory(placement.Input{
				G: snapshot.GravityCtr, V: snapshot.OrbitVector, N: n, M: snapshot.FractalScale, K: k,
				FluxStartAligned: v.cfg.Regions.FluxStart, Phi: phi(v.cfg.Regions),
				NonLinearMedia: v.nonLinear, NonSystemProfile: true,
			})
			if cand.Overflow {
				continue
			}
			used, _ := v.bitmap.Test(cand.BlockIndex)
			if used {
				out = append(out, cand.BlockIndex)
				break
			}
		}
	}
	return out
}

// RunReaperPulse drives one Reaper pulse (spec §4.6.1). blockCount reports
// a file's total logical block count.
func (v *Volume) RunReaperPulse(ctx context.Context, nowNS int64, blockCount scavenger.TotalBlocksFn) int {
	mask := policy.For(v.cfg.Device, v.cfg.Profile)
	return v.reaper.Pulse(ctx, nowNS, func(snapshot anchor.Record) []uint64 {
		return v.blockLBAs(snapshot, blockCount(snapshot), mask.KLimit())
	})
}

// RunMedicCycle scans for osteoplasty candidates and drains one pulse's
// worth of them, if the collapse counter has crossed threshold (spec
// §4.6.2). softPivot selects the cheap gravity-assist repath over a full
// pivot.
func (v *Volume) RunMedicCycle(ctx context.Context, softPivot bool, blockCount scavenger.TotalBlocksFn) int {
	if !v.medic.ShouldWake() {
		return 0
	}
	queue := v.medic.Scan()
	migrated, _ := v.medic.Pulse(ctx, queue, softPivot, blockCount)
	return migrated
}

// RunStitcherPulse walks one HINT_STREAM file's chain, installing
// hyper-skip pointers (spec §4.6.4).
func (v *Volume) RunStitcherPulse(ctx context.Context, headLBA uint64) {
	v.stitcher.Pulse(ctx, headLBA)
}

// RunAuditorPulse scans the next rolling leak-detection window (spec
// §4.6.5), freeing confirmed leaks directly: the Auditor only classifies,
// the volume owns the bitmap it classifies against.
func (v *Volume) RunAuditorPulse(ctx context.Context, blockCount scavenger.TotalBlocksFn) (reclaimed, duplicates int) {
	leaks, dups := v.auditor.Pulse(ctx, blockCount)
	for _, l := range leaks {
		if err := v.bitmap.Clear(l.LBA); err == nil {
			reclaimed++
		}
	}
	return reclaimed, dups
}

// RunEvacuatorPulse evacuates one ZNS victim zone, a no-op on non-zoned
// volumes (spec §4.6.3). A barrier failure after zone reset raises the
// volume's PANIC flag, since the device state is now unknown.
func (v *Volume) RunEvacuatorPulse(ctx context.Context) error {
	if v.evacuator == nil {
		return nil
	}
	if err := v.evacuator.Pulse(ctx); err != nil {
		if errs.Is(err, errs.InternalFault) {
			v.raisePanic("evacuator barrier failure after zone reset")
		}
		return err
	}
	return nil
}
