// Package bitmap implements the Armored Bitmap (spec §4.2.1): a per-volume
// free/used map with per-word Hamming SEC-DED protection, a healing-read
// policy, and an L2 Summary Bitmap that lets block-order scans (the leak
// Auditor) skip regions with no allocated blocks. Word
// mutation uses the 128-bit CAS fallback the spec calls for on platforms
// without native wide atomics: a striped spinlock guarding a plain
// read-modify-write of the word's three fields (spec §9 Design Notes).
package bitmap

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/hn4fs/hn4/errs"
	"github.com/hn4fs/hn4/layout"
	"github.com/hn4fs/hn4/spinlock"
)

const bitsPerWord = 64

// WordSize is the fixed on-media size of a single Armored Bitmap word.
const WordSize = layout.BitmapWordSize

// L2RegionBlocks is the L2 Summary Bitmap's region granularity: one summary
// bit covers this many Armored Bitmap blocks (spec §3/§4.1).
const L2RegionBlocks = 512

const wordsPerL2Region = L2RegionBlocks / bitsPerWord

const versionMask = (uint64(1) << 56) - 1

// word is the live, in-RAM form of one Armored Bitmap word.
type word struct {
	data    uint64
	ecc     uint8
	version uint64 // low 56 bits significant
}

func (w word) encode() []byte {
	b := make([]byte, WordSize)
	binary.LittleEndian.PutUint64(b[0:8], w.data)
	b[8] = w.ecc
	var vb [8]byte
	binary.LittleEndian.PutUint64(vb[:], w.version&versionMask)
	copy(b[9:16], vb[:7])
	return b
}

func decodeWord(b []byte) word {
	var vb [8]byte
	copy(vb[:7], b[9:16])
	return word{
		data:    binary.LittleEndian.Uint64(b[0:8]),
		ecc:     b[8],
		version: binary.LittleEndian.Uint64(vb[:]) & versionMask,
	}
}

// Bitmap is the full per-volume Armored Bitmap: one word per 64 blocks,
// each independently ECC-protected and version-stamped, plus the L2
// Summary Bitmap, which marks each 512-block region holding any allocated
// block so scans can skip the empty ones.
type Bitmap struct {
	words   []word
	locks   *spinlock.Striped
	l2      *L2Summary
	used    atomic.Uint64
	healed  atomic.Uint64
	totalBlocks uint64
}

// New builds an empty (all-free) Armored Bitmap for totalBlocks blocks.
func New(totalBlocks uint64) *Bitmap {
	wc := int((totalBlocks + bitsPerWord - 1) / bitsPerWord)
	b := &Bitmap{
		words:       make([]word, wc),
		locks:       spinlock.NewStriped(256),
		totalBlocks: totalBlocks,
	}
	for i := range b.words {
		b.words[i].ecc = computeECC(0)
	}
	b.l2 = NewL2Summary(b.regionCount())
	return b
}

func (b *Bitmap) wordFor(block uint64) (idx int, bit uint) {
	return int(block / bitsPerWord), uint(block % bitsPerWord)
}

// readHealed loads the word at idx, applying the healing-read policy: a
// single-bit error is corrected and written back; a double-bit error
// surfaces as errs.BitmapCorrupt.
func (b *Bitmap) readHealed(idx int) (word, error) {
	lock := b.locks.For(uint64(idx))
	lock.Lock()
	w := b.words[idx]
	lock.Unlock()

	fixed, fixedECC, outcome := decodeECC(w.data, w.ecc)
	switch outcome {
	case eccClean:
		return w, nil
	case eccUncorrectable:
		return word{}, errs.New(errs.BitmapCorrupt, "armored bitmap word failed ECC double-bit check")
	}

	healedWord := word{data: fixed, ecc: fixedECC, version: w.version + 1}
	lock.Lock()
	if b.words[idx] == w {
		b.words[idx] = healedWord
	} else {
		// Someone else mutated the word since our read; their write
		// supersedes our heal attempt.
		healedWord = b.words[idx]
	}
	lock.Unlock()
	b.healed.Add(1)
	return healedWord, nil
}

// Test reports whether block is marked used, applying the healing-read
// policy along the way.
func (b *Bitmap) Test(block uint64) (bool, error) {
	idx, bit := b.wordFor(block)
	w, err := b.readHealed(idx)
	if err != nil {
		return false, err
	}
	return w.data&(1<<bit) != 0, nil
}

// Set marks block used, returning errs.EEXIST if it was already set.
func (b *Bitmap) Set(block uint64) error {
	idx, bit := b.wordFor(block)
	lock := b.locks.For(uint64(idx))

	lock.Lock()
	defer lock.Unlock()

	w := b.words[idx]
	fixed, fixedECC, outcome := decodeECC(w.data, w.ecc)
	if outcome == eccUncorrectable {
		return errs.New(errs.BitmapCorrupt, "armored bitmap word failed ECC double-bit check")
	}
	if fixed&(1<<bit) != 0 {
		return errs.New(errs.EEXIST, "block already marked used")
	}
	next := word{data: fixed | (1 << bit), version: w.version + 1}
	next.ecc = computeECC(next.data)
	b.words[idx] = next
	b.used.Add(1)
	b.l2.mark(regionOf(block))
	return nil
}

// Clear marks block free.
func (b *Bitmap) Clear(block uint64) error {
	idx, bit := b.wordFor(block)
	lock := b.locks.For(uint64(idx))

	lock.Lock()
	unlocked := false
	defer func() {
		if !unlocked {
			lock.Unlock()
		}
	}()

	w := b.words[idx]
	fixed, _, outcome := decodeECC(w.data, w.ecc)
	if outcome == eccUncorrectable {
		return errs.New(errs.BitmapCorrupt, "armored bitmap word failed ECC double-bit check")
	}
	if fixed&(1<<bit) == 0 {
		return nil // already free, idempotent
	}
	next := word{data: fixed &^ (1 << bit), version: w.version + 1}
	next.ecc = computeECC(next.data)
	b.words[idx] = next
	b.used.Add(^uint64(0)) // -1
	lock.Unlock()
	unlocked = true
	b.clearRegionIfEmpty(regionOf(block))
	return nil
}

// UsedBlocks returns the live used-block counter.
func (b *Bitmap) UsedBlocks() uint64 { return b.used.Load() }

// HealedCount returns how many self-heals have occurred since mount.
func (b *Bitmap) HealedCount() uint64 { return b.healed.Load() }

// TotalBlocks returns the block capacity the bitmap covers.
func (b *Bitmap) TotalBlocks() uint64 { return b.totalBlocks }

// WordCount returns the number of Armored Bitmap words.
func (b *Bitmap) WordCount() int { return len(b.words) }

// L2Summary is the coarse "does this region hold anything" index (spec
// §3/§4.1): one bit per L2RegionBlocks-block region, set while any block in
// the region is allocated. Scan-style consumers (the leak Auditor) use a
// clear bit to skip an entire region outright instead of walking its words.
type L2Summary struct {
	lock *spinlock.Spin
	bits *bitset.BitSet
}

// NewL2Summary builds an all-clear (all regions empty) summary for
// regionCount regions.
func NewL2Summary(regionCount int) *L2Summary {
	return &L2Summary{lock: &spinlock.Spin{}, bits: bitset.New(uint(regionCount))}
}

// mark records that region has at least one allocated block. 0->1 is a
// plain OR; re-marking an already-set region is a no-op.
func (s *L2Summary) mark(region int) {
	s.lock.Lock()
	s.bits.Set(uint(region))
	s.lock.Unlock()
}

// HasAllocated reports whether region was last known to hold any allocated
// block. A stale true (the region has since emptied out but L2 hasn't
// caught up) only costs a scan a skipped optimization, never a missed
// block, since nothing ever treats a set bit as authoritative for
// occupancy, only a clear one as authoritative for emptiness.
func (s *L2Summary) HasAllocated(region int) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.bits.Test(uint(region))
}

func regionOf(block uint64) int {
	return int(block / L2RegionBlocks)
}

func (b *Bitmap) regionCount() int {
	return (len(b.words) + wordsPerL2Region - 1) / wordsPerL2Region
}

// regionAllZero reports whether every word covering region is currently
// all-free, healing ECC errors along the way.
func (b *Bitmap) regionAllZero(region int) bool {
	first := region * wordsPerL2Region
	last := first + wordsPerL2Region
	if last > len(b.words) {
		last = len(b.words)
	}
	for i := first; i < last; i++ {
		w, err := b.readHealed(i)
		if err != nil {
			// An uncorrectable word can't be proven empty; treat the
			// region as occupied so a scan doesn't skip over it.
			return false
		}
		if w.data != 0 {
			return false
		}
	}
	return true
}

// clearRegionIfEmpty implements the spec's 8-word scan-and-clear for a
// 1->0 L2 transition: scan every word in the region, and if all eight are
// free, clear the summary bit. A store/load fence and rescan then guards
// against a concurrent Set landing in the region during the scan window;
// if the rescan finds the region non-empty after all, the bit is restored,
// self-healing the race instead of losing the region forever.
func (b *Bitmap) clearRegionIfEmpty(region int) {
	if !b.regionAllZero(region) {
		return
	}
	b.l2.lock.Lock()
	b.l2.bits.Clear(uint(region))
	b.l2.lock.Unlock()

	// Store/load fence: re-read every word in the region now that the
	// clear has been published. A Set that raced into the window between
	// the first scan and the clear above would otherwise leave the L2 bit
	// wrongly clear forever.
	if !b.regionAllZero(region) {
		b.l2.mark(region)
	}
}

// L2RegionEmpty reports whether the L2RegionBlocks-block region containing
// block currently holds no allocated blocks, per the L2 Summary Bitmap.
// Scan-style consumers use this to skip whole regions; it is never
// authoritative for "this exact block is free"; only Test is.
func (b *Bitmap) L2RegionEmpty(block uint64) bool {
	return !b.l2.HasAllocated(regionOf(block))
}
