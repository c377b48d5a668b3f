// Package allocator implements the Ballistic Allocator's stateful
// operations (spec §4.3): Genesis (first placement for a new file),
// per-block allocation along a file's existing physics, Horizon fallback
// for a saturated Flux region, and Free. The pure placement math lives in
// package placement; this package owns the probe loops, quality gating,
// and bitmap CAS sequencing around it. Probe-loop structure is grounded on
// the teacher's block-group scanning allocator
// (filesystem/ext4/blockallocator.go): bounded retries, a rejection-
// sampling draw, and quality gating before committing a CAS.
package allocator

import (
	"sync/atomic"

	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/errs"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/placement"
	"github.com/hn4fs/hn4/policy"
	"github.com/hn4fs/hn4/qualitymask"
)

// Intent classifies the purpose of a write, gating Bronze-tier blocks.
type Intent int

const (
	IntentDefault Intent = iota
	IntentMetadata
	IntentSystem
	IntentAI
	IntentPinned
)

func (in Intent) rejectsBronze() bool {
	switch in {
	case IntentMetadata, IntentSystem, IntentAI, IntentPinned:
		return true
	default:
		return false
	}
}

const goldenRatioDrift = 0x9E3779B97F4A7C15

// HN4MaxTrajectoryK bounds how many leading trajectory indices Genesis
// simulates before committing a candidate V under AI-profile affinity
// (spec §4.3.1: "simulate the first HN4_MAX_TRAJECTORY_K indices").
const HN4MaxTrajectoryK = 8

// affinityWindowCount partitions the block address space into this many
// equal-sized locality windows, one per GPU-id class (gpu_id % count).
// The spec names the affinity-window mechanism but leaves its partitioning
// scheme unspecified; a fixed-count equal partition is the simplest
// topology-free scheme consistent with "simulate and reject if it leaves
// the window" (see DESIGN.md's Open Question decision).
const affinityWindowCount = 64

// saturationOverheadDivisor reserves 1/20 (5%) of raw capacity as
// unusable overhead (spec §4.3.2: "usable = raw - 5% overhead").
const saturationOverheadDivisor = 20

// mulDivU64 computes x*num/den without overflowing on exabyte-scale x,
// splitting the multiply across x's quotient and remainder by den.
func mulDivU64(x, num, den uint64) uint64 {
	q := x / den
	r := x % den
	return q*num + (r*num)/den
}

// Allocator owns one volume's Flux region placement state.
type Allocator struct {
	bm      *bitmap.Bitmap
	quality *qualitymask.Mask
	device  policy.DeviceClass
	profile policy.Profile

	fluxStartAligned uint64
	phi              uint64
	nonLinearMedia   bool

	horizonStart    uint64
	horizonCapacity uint64
	horizonHead     atomic.Uint64

	lastAllocG atomic.Uint64
	dirty      atomic.Bool
	taint      atomic.Int32
	saturated  atomic.Bool
}

// Config describes the static geometry an Allocator needs.
type Config struct {
	Bitmap           *bitmap.Bitmap
	Quality          *qualitymask.Mask
	Device           policy.DeviceClass
	Profile          policy.Profile
	FluxStartAligned uint64
	Phi              uint64
	NonLinearMedia   bool
	HorizonStart     uint64
	HorizonCapacity  uint64
}

// New builds an Allocator from static volume geometry.
func New(cfg Config) *Allocator {
	return &Allocator{
		bm:               cfg.Bitmap,
		quality:          cfg.Quality,
		device:           cfg.Device,
		profile:          cfg.Profile,
		fluxStartAligned: cfg.FluxStartAligned,
		phi:              cfg.Phi,
		nonLinearMedia:   cfg.NonLinearMedia,
		horizonStart:     cfg.HorizonStart,
		horizonCapacity:  cfg.HorizonCapacity,
	}
}

// Dirty reports whether the volume has been marked dirty since the last
// clean mount.
func (a *Allocator) Dirty() bool { return a.dirty.Load() }

func (a *Allocator) markDirty() { a.dirty.Store(true) }

// Taint returns the current soft-violation counter.
func (a *Allocator) Taint() int32 { return a.taint.Load() }

// bumpTaint increments the taint counter and reports whether it has
// crossed the PANIC threshold (spec §6.3: "taint > 20 upgrades to PANIC").
func (a *Allocator) bumpTaint() (panicked bool) {
	return a.taint.Add(1) > 20
}

func rejectionSample(randSrc func() uint64, bound uint64) uint64 {
	if bound == 0 {
		return 0
	}
	limit := (^uint64(0) / bound) * bound
	for {
		v := randSrc()
		if v < limit {
			return v % bound
		}
	}
}

func (a *Allocator) policyMask() policy.Mask { return policy.For(a.device, a.profile) }

// usableBlocks reserves saturationOverheadDivisor's share of raw capacity
// as unusable overhead before saturation ratios are computed against it.
func (a *Allocator) usableBlocks() uint64 {
	total := a.bm.TotalBlocks()
	return total - total/saturationOverheadDivisor
}

// refreshSaturation re-derives the saturation hysteresis flag from the
// bitmap's live used-block count (spec §4.3.2): set at >=90% of usable
// capacity, cleared at <85%; in between, the flag holds its prior value.
func (a *Allocator) refreshSaturation() {
	usable := a.usableBlocks()
	used := a.bm.UsedBlocks()
	switch {
	case used >= mulDivU64(usable, 90, 100):
		a.saturated.Store(true)
	case used < mulDivU64(usable, 85, 100):
		a.saturated.Store(false)
	}
}

// Saturated reports the current saturation hysteresis flag. Genesis
// refuses to run while it is set.
func (a *Allocator) Saturated() bool {
	a.refreshSaturation()
	return a.saturated.Load()
}

// hardWallExceeded reports whether per-block allocation updates must be
// refused outright (spec §4.3.2: "updates...refused above 95%"), a
// tighter, non-hysteretic ceiling than the Genesis saturation flag.
func (a *Allocator) hardWallExceeded() bool {
	usable := a.usableBlocks()
	return a.bm.UsedBlocks() >= mulDivU64(usable, 95, 100)
}

// affinityWindow returns the [lo, hi) block-index range AI-profile
// placement must stay within for the calling GPU (spec §4.3.1).
func (a *Allocator) affinityWindow(gpuID uint32) (lo, hi uint64) {
	total := a.bm.TotalBlocks()
	windowSize := total / affinityWindowCount
	if windowSize == 0 {
		return 0, total
	}
	idx := uint64(gpuID) % affinityWindowCount
	lo = idx * windowSize
	hi = lo + windowSize
	if idx == affinityWindowCount-1 {
		hi = total // last window absorbs the remainder
	}
	return lo, hi
}

func withinWindow(lo, hi, blockIdx uint64) bool {
	return blockIdx >= lo && blockIdx < hi
}

// checkQuality reports whether a candidate block index is eligible for
// allocation given intent, consulting the quality mask.
func (a *Allocator) checkQuality(intent Intent, blockIdx uint64) bool {
	if a.quality == nil {
		return true
	}
	tier := a.quality.Get(int(blockIdx))
	if tier == qualitymask.Toxic {
		return false
	}
	if tier == qualitymask.Bronze && intent.rejectsBronze() {
		return false
	}
	return true
}

// Genesis performs first-time placement for a new file (spec §4.3.2): it
// picks a gravity-center and orbit-vector, validates the head block
// (N=0), and test-checks a tail window before committing. gpuID is the
// calling context's GPU id (hal.NoGPU if none); it only matters under
// IntentAI, where Genesis simulates the first HN4MaxTrajectoryK indices
// of each candidate and rejects V if any would leave the caller's
// affinity window.
func (a *Allocator) Genesis(randSrc func() uint64, m uint8, intent Intent, gpuID uint32) (g, v uint64, err error) {
	if a.Saturated() {
		return 0, 0, errs.New(errs.ENOSPC, "volume saturation gate refuses genesis")
	}

	mask := a.policyMask()
	maxProbes := mask.MaxProbes()
	seqOverride := mask&policy.MaskSequential != 0
	aiAffinity := intent == IntentAI && gpuID != hal.NoGPU
	var windowLo, windowHi uint64
	if aiAffinity {
		windowLo, windowHi = a.affinityWindow(gpuID)
	}

	tailWindow := 4
	if a.device == policy.DeviceHDD {
		tailWindow = 8
	}

	for attempt := 0; attempt < maxProbes; attempt++ {
		gFractal := rejectionSample(randSrc, a.phi)
		if a.device == policy.DeviceHDD {
			last := a.lastAllocG.Load()
			if last != 0 {
				drift := (last + goldenRatioDrift) % a.phi
				gFractal = drift
			}
		}
		s := uint64(1) << m
		candidateG := gFractal * s

		var candidateV uint64
		if seqOverride {
			candidateV = 1
		} else {
			candidateV = placement.ReduceVector(randSrc()|1, a.phi)
		}

		if aiAffinity {
			inWindow := true
			for n := uint64(0); n < HN4MaxTrajectoryK; n++ {
				sim := placement.Trajectory(placement.Input{
					G: candidateG, V: candidateV, N: n, M: m,
					FluxStartAligned: a.fluxStartAligned, Phi: a.phi,
					NonLinearMedia: a.nonLinearMedia, NonSystemProfile: true,
				})
				if sim.Overflow || !withinWindow(windowLo, windowHi, sim.BlockIndex) {
					inWindow = false
					break
				}
			}
			if !inWindow {
				continue // V leaves the affinity window within the first K indices
			}
		}

		head := placement.Trajectory(placement.Input{
			G: candidateG, V: candidateV, N: 0, M: m,
			FluxStartAligned: a.fluxStartAligned, Phi: a.phi,
			NonLinearMedia: a.nonLinearMedia, NonSystemProfile: intent != IntentSystem,
		})
		if head.Overflow {
			continue
		}
		if !a.checkQuality(intent, head.BlockIndex) {
			continue
		}
		if err := a.bm.Set(head.BlockIndex); err != nil {
			continue // head collision, advance to next attempt
		}

		tailOK := true
		for n := 1; n <= tailWindow; n++ {
			t := placement.Trajectory(placement.Input{
				G: candidateG, V: candidateV, N: uint64(n), M: m,
				FluxStartAligned: a.fluxStartAligned, Phi: a.phi,
				NonLinearMedia: a.nonLinearMedia, NonSystemProfile: intent != IntentSystem,
			})
			if t.Overflow {
				continue
			}
			used, _ := a.bm.Test(t.BlockIndex)
			if used {
				tailOK = false
				break
			}
		}
		if !tailOK {
			_ = a.bm.Clear(head.BlockIndex) // BIT_FORCE_CLEAR: does not mark volume dirty
			continue
		}

		a.markDirty()
		if a.device == policy.DeviceHDD {
			a.lastAllocG.Store(candidateG)
		}
		return candidateG, candidateV, nil
	}
	return 0, 0, errs.New(errs.ENOSPC, "genesis probe loop exhausted")
}

// Allocate finds a physical block for logical index N along an existing
// file's physics (spec §4.3.2's per-block path), trying shells 0..k_limit
// before the caller should fall back to Horizon.
func (a *Allocator) Allocate(g, v uint64, m uint8, n uint64, intent Intent) (phys uint64, k int, err error) {
	if a.hardWallExceeded() {
		return 0, 0, errs.New(errs.ENOSPC, "volume at 95% hard wall refuses allocation update")
	}

	mask := a.policyMask()
	kLimit := mask.KLimit()

	for k := 0; k <= kLimit; k++ {
		cand := placement.Trajectory(placement.Input{
			G: g, V: v, N: n, M: m, K: k,
			FluxStartAligned: a.fluxStartAligned, Phi: a.phi,
			NonLinearMedia: a.nonLinearMedia, NonSystemProfile: intent != IntentSystem,
		})
		if cand.Overflow {
			continue
		}
		if !a.checkQuality(intent, cand.BlockIndex) {
			continue
		}
		if err := a.bm.Set(cand.BlockIndex); err == nil {
			return cand.BlockIndex, k, nil
		}
	}
	return 0, 0, errs.New(errs.GravityCollapse, "all collision shells saturated")
}

// HorizonAllocate allocates from the linear Horizon ring (spec §4.3.3),
// used when Flux is saturated. System and metadata intents may not use
// Horizon unless the volume is already in PANIC.
func (a *Allocator) HorizonAllocate(intent Intent, volumePanicked bool) (phys uint64, err error) {
	if (intent == IntentSystem || intent == IntentMetadata) && !volumePanicked {
		return 0, errs.New(errs.EventHorizon, "system/metadata writes refuse horizon fallback")
	}
	if a.horizonCapacity == 0 {
		return 0, errs.New(errs.EventHorizon, "horizon region has zero capacity")
	}
	for attempt := 0; attempt < 4; attempt++ {
		slot := a.horizonHead.Add(1) - 1
		idx := slot % a.horizonCapacity
		lba := a.horizonStart + idx
		if err := a.bm.Set(lba); err == nil {
			return lba, nil
		}
	}
	return 0, errs.New(errs.EventHorizon, "horizon ring lapped a live block")
}

// Free releases a physical block, escalating the taint counter on
// repeated soft violations (spec §6.3).
func (a *Allocator) Free(blockIdx uint64) error {
	if err := a.bm.Clear(blockIdx); err != nil {
		if a.bumpTaint() {
			return errs.New(errs.InternalFault, "taint counter exceeded panic threshold during free")
		}
		return err
	}
	return nil
}
