package anchor

import (
	"sync"
	"sync/atomic"

	"github.com/hn4fs/hn4/spinlock"
	uuid "github.com/satori/go.uuid"
)

// Live is the in-RAM representation of one anchor, held by the Cortex. Per
// spec §5, write_gen/mass/mod_clock/data_class/gravity_center (and here,
// public_id/orbit_hints) are lock-free atomics; seed_id, fractal_scale, and
// create_clock never change after genesis. orbit_vector changes exactly once
// per medic osteoplasty pass (§4.6.2), under the Cortex's l2 lock.
type Live struct {
	seedID       uuid.UUID
	fractalScale uint8
	createClock  int64
	slotIndex    uint64 // assigned at genesis; fixed for the anchor's lifetime

	publicID    atomic.Pointer[uuid.UUID]
	gravityCtr  atomic.Uint64
	orbitVector atomic.Uint64
	mass        atomic.Uint64
	dataClass   atomic.Uint64
	permissions atomic.Uint32
	writeGen    atomic.Uint32
	modClock    atomic.Int64
	orbitHints  atomic.Uint32
	inlineName  atomic.Pointer[[inlineNameLen]byte]
}

// NewLive constructs a Live anchor from a decoded Record, as done at mount
// (Cortex load) or genesis (new file).
func NewLive(r *Record) *Live {
	l := &Live{
		seedID:       r.SeedID,
		fractalScale: r.FractalScale,
		createClock:  r.CreateClock,
	}
	pid := r.PublicID
	l.publicID.Store(&pid)
	l.gravityCtr.Store(r.GravityCtr)
	l.orbitVector.Store(CoerceOrbitOdd(r.OrbitVector))
	l.mass.Store(r.Mass)
	l.dataClass.Store(uint64(r.DataClass))
	l.permissions.Store(uint32(r.Permissions))
	l.writeGen.Store(r.WriteGen)
	l.modClock.Store(r.ModClock)
	l.orbitHints.Store(r.OrbitHints)
	name := r.InlineName
	l.inlineName.Store(&name)
	return l
}

func (l *Live) SeedID() uuid.UUID   { return l.seedID }
func (l *Live) FractalScale() uint8 { return l.fractalScale }
func (l *Live) CreateClock() int64  { return l.createClock }
func (l *Live) SlotIndex() uint64   { return l.slotIndex }

// SetSlotIndex fixes the Cortex table slot this anchor lives in. Called once
// at genesis, and carried forward by callers that replace a Live in place
// (reaper bleach, medic osteoplasty) so the on-media slot never moves.
func (l *Live) SetSlotIndex(i uint64)    { l.slotIndex = i }
func (l *Live) PublicID() uuid.UUID      { return *l.publicID.Load() }
func (l *Live) GravityCenter() uint64    { return l.gravityCtr.Load() }
func (l *Live) OrbitVector() uint64      { return l.orbitVector.Load() }
func (l *Live) Mass() uint64             { return l.mass.Load() }
func (l *Live) DataClass() DataClass     { return DataClass(l.dataClass.Load()) }
func (l *Live) Permissions() Permissions { return Permissions(l.permissions.Load()) }
func (l *Live) WriteGen() uint32         { return l.writeGen.Load() }
func (l *Live) ModClock() int64          { return l.modClock.Load() }
func (l *Live) OrbitHints() uint32       { return l.orbitHints.Load() }

func (l *Live) SetPublicID(id uuid.UUID)  { l.publicID.Store(&id) }
func (l *Live) SetGravityCenter(g uint64) { l.gravityCtr.Store(g) }
func (l *Live) SetOrbitHints(h uint32)    { l.orbitHints.Store(h) }
func (l *Live) SetModClock(ns int64)      { l.modClock.Store(ns) }

// GrowMass publishes a new mass via a CAS loop that only ever grows the
// value (spec §4.5 Phase 10: "publish mass via CAS loop (only grows)").
func (l *Live) GrowMass(n uint64) {
	for {
		cur := l.mass.Load()
		if n <= cur {
			return
		}
		if l.mass.CompareAndSwap(cur, n) {
			return
		}
	}
}

// SetDataClassFlag atomically ORs a flag into data_class via a CAS loop.
func (l *Live) SetDataClassFlag(flag DataClass) {
	for {
		cur := l.dataClass.Load()
		next := cur | uint64(flag)
		if next == cur || l.dataClass.CompareAndSwap(cur, next) {
			return
		}
	}
}

// ClearDataClassFlag atomically clears a flag from data_class via a CAS loop.
func (l *Live) ClearDataClassFlag(flag DataClass) {
	for {
		cur := l.dataClass.Load()
		next := cur &^ uint64(flag)
		if next == cur || l.dataClass.CompareAndSwap(cur, next) {
			return
		}
	}
}

// CASWriteGen performs the generation bump at the heart of the shadow hop
// (spec §4.5 Phase 10): advance write_gen from old to next iff it still
// reads as old.
func (l *Live) CASWriteGen(old, next uint32) bool {
	return l.writeGen.CompareAndSwap(old, next)
}

// SetOrbitVector installs a new orbit vector (medic full/soft pivot, §4.6.2).
// Callers must hold the Cortex l2 lock for the anchor's slot while calling
// this, matching the spec's "under the L2 lock, copy new anchor into RAM".
func (l *Live) SetOrbitVector(v uint64) {
	l.orbitVector.Store(CoerceOrbitOdd(v))
}

// Snapshot captures a point-in-time Record for persistence (reaper bleach,
// medic osteoplasty, mount-time flush) or for comparison (generation-skew
// checks).
func (l *Live) Snapshot() Record {
	return Record{
		SeedID:       l.seedID,
		PublicID:     l.PublicID(),
		GravityCtr:   l.GravityCenter(),
		OrbitVector:  l.OrbitVector(),
		FractalScale: l.fractalScale,
		Mass:         l.Mass(),
		DataClass:    l.DataClass(),
		Permissions:  l.Permissions(),
		WriteGen:     l.WriteGen(),
		ModClock:     l.ModClock(),
		CreateClock:  l.createClock,
		OrbitHints:   l.OrbitHints(),
		InlineName:   *l.inlineName.Load(),
	}
}

// Cortex is the in-RAM anchor table consulted by every other core
// component. It is keyed by seed_id. Replacement of an anchor's in-RAM
// pointer (scavenger commit) happens under the volume's l2 lock; ordinary
// lookups take only the map's read lock (mu), never the l2 lock, and the
// Live they return is read through its per-field atomics.
type Cortex struct {
	l2   *spinlock.Spin
	mu   sync.RWMutex // guards the map's shape (insert/delete), not its values
	byID map[uuid.UUID]*Live
}

// NewCortex builds an empty Cortex sharing the given volume-wide l2 lock.
func NewCortex(l2 *spinlock.Spin) *Cortex {
	return &Cortex{l2: l2, byID: make(map[uuid.UUID]*Live)}
}

// Insert adds a newly created (genesis) anchor to the Cortex.
func (c *Cortex) Insert(l *Live) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[l.seedID] = l
}

// Lookup returns the live anchor for seedID, or nil if not present.
func (c *Cortex) Lookup(seedID uuid.UUID) *Live {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[seedID]
}

// Remove deletes an anchor from the Cortex (post-reaper bleach, or never in
// practice since bleached anchors remain as tombstone markers until the slot
// itself is reused).
func (c *Cortex) Remove(seedID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, seedID)
}

// Range calls f for every live anchor. f must not mutate the Cortex.
func (c *Cortex) Range(f func(*Live) bool) {
	c.mu.RLock()
	snapshot := make([]*Live, 0, len(c.byID))
	for _, l := range c.byID {
		snapshot = append(snapshot, l)
	}
	c.mu.RUnlock()
	for _, l := range snapshot {
		if !f(l) {
			return
		}
	}
}

// ReplaceUnderL2 swaps the in-RAM anchor for seedID to next, holding the
// volume's l2 lock for the duration — the narrow window spec §5 calls out
// for "anchor in-RAM copy is replaced during scavenger commit".
func (c *Cortex) ReplaceUnderL2(seedID uuid.UUID, next *Live) {
	c.l2.Lock()
	defer c.l2.Unlock()
	c.mu.Lock()
	c.byID[seedID] = next
	c.mu.Unlock()
}
