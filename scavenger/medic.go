package scavenger

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/deltatable"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/placement"
	"github.com/hn4fs/hn4/seedhash"
)

// CollapseThreshold is the default trajectory_collapse_counter level that
// wakes the Medic (spec §4.6.2).
const CollapseThreshold = 50

// DensityThreshold is the minimum bone-density score that queues an anchor
// for osteoplasty.
const DensityThreshold = 8

// DrainPerPulse is how many queued candidates one Medic pulse migrates.
const DrainPerPulse = 4

const fullPivotXOR = 0xDEADBEEFCAFEBABE

// MedicCandidate is one anchor awaiting osteoplasty, scored by bone
// density. Callers treat it opaquely: Scan produces a queue, Pulse drains
// it.
type MedicCandidate struct {
	seedID  anchor.Record
	density float64
}

// Medic performs re-ballistification of anchors whose trajectory has
// degraded into heavy collision shells.
type Medic struct {
	cortex          *anchor.Cortex
	bitmap          *bitmap.Bitmap
	delta           *deltatable.Table
	hasher          *seedhash.Hasher
	dev             hal.Device
	collapseCounter atomic.Int32
	queueCap        int
	blockSize       int
	cortexStart     uint64
	fluxStart       uint64
	phi             uint64
	nonLinear       bool
}

// NewMedic builds a Medic for one volume.
func NewMedic(cortex *anchor.Cortex, bm *bitmap.Bitmap, delta *deltatable.Table, hasher *seedhash.Hasher, dev hal.Device, blockSize int, cortexStart uint64, fluxStart, phi uint64, nonLinear bool, queueCap int) *Medic {
	return &Medic{cortex: cortex, bitmap: bm, delta: delta, hasher: hasher, dev: dev, blockSize: blockSize, cortexStart: cortexStart, fluxStart: fluxStart, phi: phi, nonLinear: nonLinear, queueCap: queueCap}
}

// NoteCollision bumps the collapse counter; the caller's allocator invokes
// this whenever a trajectory probe collides.
func (m *Medic) NoteCollision() { m.collapseCounter.Add(1) }

// ShouldWake reports whether the collapse counter has crossed the
// threshold.
func (m *Medic) ShouldWake() bool { return m.collapseCounter.Load() > CollapseThreshold }

// boneDensity averages the first-hit shell across 8 sample logical
// indices, double-weighted for compressed files.
func (m *Medic) boneDensity(l *anchor.Live, compressed bool) float64 {
	var total, samples int
	for n := uint64(0); n < 8; n++ {
		for k := 0; k <= 12; k++ {
			cand := placement.Trajectory(placement.Input{
				G: l.GravityCenter(), V: l.OrbitVector(), N: n, M: l.FractalScale(), K: k,
				FluxStartAligned: m.fluxStart, Phi: m.phi, NonLinearMedia: m.nonLinear, NonSystemProfile: true,
			})
			if cand.Overflow {
				continue
			}
			used, _ := m.bitmap.Test(cand.BlockIndex)
			if used {
				total += k
				samples++
				break
			}
		}
	}
	if samples == 0 {
		return 0
	}
	density := float64(total) / float64(samples)
	if compressed {
		density *= 2
	}
	return density
}

// Scan builds a bounded priority queue of osteoplasty candidates from the
// live Cortex.
func (m *Medic) Scan() []MedicCandidate {
	var found []MedicCandidate
	m.cortex.Range(func(l *anchor.Live) bool {
		if l.DataClass().Has(anchor.FlagHintHorizon) {
			return true // osteoplasty only touches Flux residents
		}
		compressed := l.DataClass().Has(anchor.FlagHintCompressed)
		density := m.boneDensity(l, compressed)
		if density >= DensityThreshold {
			found = append(found, MedicCandidate{seedID: l.Snapshot(), density: density})
		}
		return true
	})
	sort.Slice(found, func(i, j int) bool { return found[i].density > found[j].density })
	if m.queueCap > 0 && len(found) > m.queueCap {
		found = found[:m.queueCap]
	}
	return found
}

// TotalBlocksFn reports a file's total logical block count, supplied by
// the caller (the volume owns mass/block_size bookkeeping).
type TotalBlocksFn func(snapshot anchor.Record) uint64

// Pulse drains up to DrainPerPulse candidates, performing osteoplasty on
// each (spec §4.6.2).
func (m *Medic) Pulse(ctx context.Context, queue []MedicCandidate, softPivot bool, totalBlocks TotalBlocksFn) (migrated int, remaining []MedicCandidate) {
	n := DrainPerPulse
	if n > len(queue) {
		n = len(queue)
	}
	for i := 0; i < n; i++ {
		if m.osteoplasty(ctx, queue[i].seedID, softPivot, totalBlocks) {
			migrated++
			m.collapseCounter.Add(-1)
		}
	}
	return migrated, queue[n:]
}

func (m *Medic) osteoplasty(ctx context.Context, snapshot anchor.Record, softPivot bool, totalBlocks TotalBlocksFn) bool {
	live := m.cortex.Lookup(snapshot.SeedID)
	if live == nil {
		return false
	}
	genSnapshot := live.WriteGen()

	var newV uint64
	if softPivot {
		newV = placement.GravityAssist(snapshot.OrbitVector)
	} else {
		newV = anchor.CoerceOrbitOdd(snapshot.OrbitVector ^ fullPivotXOR)
	}

	total := totalBlocks(snapshot)
	seedHash := m.hasher.Of(snapshot.SeedID)
	var writtenOld, writtenNew []uint64

	rollback := func() {
		for _, nb := range writtenNew {
			_ = m.bitmap.Clear(nb)
		}
		for i := range writtenOld {
			m.delta.Clear(writtenOld[i], seedHash)
		}
	}

	for n := uint64(0); n < total; n++ {
		if live.WriteGen() != genSnapshot {
			rollback()
			return false
		}
		oldCand := placement.Trajectory(placement.Input{
			G: snapshot.GravityCtr, V: snapshot.OrbitVector, N: n, M: snapshot.FractalScale,
			FluxStartAligned: m.fluxStart, Phi: m.phi, NonLinearMedia: m.nonLinear, NonSystemProfile: true,
		})
		if oldCand.Overflow {
			continue
		}
		buf := make([]byte, m.blockSize)
		if err := m.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpRead, LBA: oldCand.BlockIndex, Buf: buf, Sectors: 1}); err != nil {
			rollback()
			return false
		}
		if _, err := block.DecodeHeader(buf); err != nil {
			rollback()
			return false
		}

		var newLBA uint64
		var placed bool
		for k := 0; k <= 12; k++ {
			newCand := placement.Trajectory(placement.Input{
				G: snapshot.GravityCtr, V: newV, N: n, M: snapshot.FractalScale, K: k,
				FluxStartAligned: m.fluxStart, Phi: m.phi, NonLinearMedia: m.nonLinear, NonSystemProfile: true,
			})
			if newCand.Overflow {
				continue
			}
			if err := m.bitmap.Set(newCand.BlockIndex); err == nil {
				newLBA = newCand.BlockIndex
				placed = true
				break
			}
		}
		if !placed {
			rollback()
			return false
		}
		if err := m.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpWrite, LBA: newLBA, Buf: buf, Sectors: 1}); err != nil {
			_ = m.bitmap.Clear(newLBA)
			rollback()
			return false
		}
		_ = m.delta.Register(oldCand.BlockIndex, seedHash, newLBA, genSnapshot)
		writtenOld = append(writtenOld, oldCand.BlockIndex)
		writtenNew = append(writtenNew, newLBA)
	}

	if live.WriteGen() != genSnapshot {
		rollback()
		return false
	}

	newG := snapshot.GravityCtr
	newRecord := anchor.Record{
		SeedID: snapshot.SeedID, PublicID: snapshot.PublicID, GravityCtr: newG,
		OrbitVector: newV, FractalScale: snapshot.FractalScale, Mass: snapshot.Mass,
		DataClass: snapshot.DataClass, Permissions: snapshot.Permissions, WriteGen: genSnapshot,
		ModClock: snapshot.ModClock, CreateClock: snapshot.CreateClock, OrbitHints: snapshot.OrbitHints,
		InlineName: snapshot.InlineName,
	}
	if err := anchor.Persist(ctx, m.dev, m.cortexStart, live.SlotIndex(), m.blockSize, &newRecord); err != nil {
		rollback()
		return false
	}
	// Re-verify write_gen is still unchanged after the persist I/O before
	// committing to RAM: a racing writer could have advanced it while the
	// anchor record was in flight to media.
	if live.WriteGen() != genSnapshot {
		rollback()
		return false
	}
	newLive := anchor.NewLive(&newRecord)
	newLive.SetSlotIndex(live.SlotIndex())
	m.cortex.ReplaceUnderL2(snapshot.SeedID, newLive)
	for i := range writtenOld {
		m.delta.Clear(writtenOld[i], seedHash)
	}
	return true
}
