// Package resolver implements the Residency Resolver (spec §4.4): given an
// anchor's physics and a logical block index, enumerate candidate physical
// locations (the linear Horizon candidate for HINT_HORIZON anchors, and the
// collision shells), verify a candidate actually
// belongs to the file, and (for rotational media) sort multi-block read
// batches into elevator order. Verification discipline is grounded on the
// teacher's superblock/group-descriptor checksum verification on every
// read (filesystem/ext4/superblock.go); the C-LOOK ordering is grounded on
// the teacher's extent-tree range coalescing for sequential I/O
// (filesystem/ext4/extents.go).
package resolver

import (
	"context"
	"sort"

	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/errs"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/placement"
	uuid "github.com/satori/go.uuid"
)

// Physics is the subset of an anchor's fields the resolver needs.
type Physics struct {
	G                uint64
	V                uint64
	M                uint8
	WellID           uuid.UUID
	NonLinearMedia   bool
	NonSystemProfile bool
}

// Candidate is one shell's computed location, paired with the shell index
// it came from so callers can record orbit_hints on success.
type Candidate struct {
	BlockIndex uint64
	Shell      int
}

// Enumerate returns the sequence of candidate physical locations for
// logical index n across shells 0..maxK, in shell order (spec §4.4: "For
// each k: compute candidate"). Horizon is not part of this sequence;
// HorizonCandidate computes that location separately.
func Enumerate(phys Physics, fluxStartAligned, phi uint64, n uint64, maxK int) []Candidate {
	out := make([]Candidate, 0, maxK+1)
	for k := 0; k <= maxK; k++ {
		r := placement.Trajectory(placement.Input{
			G: phys.G, V: phys.V, N: n, M: phys.M, K: k,
			FluxStartAligned: fluxStartAligned, Phi: phi,
			NonLinearMedia: phys.NonLinearMedia, NonSystemProfile: phys.NonSystemProfile,
		})
		if r.Overflow {
			continue
		}
		out = append(out, Candidate{BlockIndex: r.BlockIndex, Shell: k})
	}
	return out
}

// Verify performs the identity and payload steps of the block verification
// test (spec §4.4.1) on an already-decoded header: its well_id/seq_index/
// generation must match exactly what the caller expects, and the payload
// must match data_crc. The range, bitmap, magic and header_crc steps are
// done by ReadCandidate.
func Verify(h *block.Header, expectedWellID uuid.UUID, expectedSeqIndex uint64, expectedGeneration uint32, payload []byte) error {
	if h == nil {
		return errs.New(errs.PhantomBlock, "no block header at candidate location")
	}
	if !h.MatchesExpected(expectedWellID, expectedSeqIndex, expectedGeneration) {
		if h.WellID != expectedWellID || h.SeqIndex != expectedSeqIndex {
			return errs.New(errs.PhantomBlock, "block belongs to a different file or offset")
		}
		return errs.New(errs.GenerationSkew, "block generation does not match anchor write_gen")
	}
	if !h.VerifyPayload(payload) {
		return errs.New(errs.PayloadRot, "payload CRC32C mismatch")
	}
	return nil
}

// ReadCandidate performs the block verification test's first two steps
// (spec §4.4.1: in-range, then bitmap-marked-used) before ever touching
// the device, then reads and verifies the candidate, returning the
// decoded header on success.
func ReadCandidate(dev hal.Device, bm *bitmap.Bitmap, blockIdx uint64, blockSize int, expectedWellID uuid.UUID, expectedSeqIndex uint64, expectedGeneration uint32) (*block.Header, []byte, error) {
	if blockIdx >= bm.TotalBlocks() {
		return nil, nil, errs.New(errs.PhantomBlock, "candidate block index out of volume range")
	}
	used, err := bm.Test(blockIdx)
	if err != nil {
		return nil, nil, err
	}
	if !used {
		return nil, nil, errs.New(errs.PhantomBlock, "candidate block is not marked used in the bitmap")
	}

	buf := make([]byte, blockSize)
	req := hal.IORequest{Op: hal.OpRead, LBA: blockIdx, Buf: buf, Sectors: 1}
	if err := dev.SyncIO(context.Background(), req); err != nil {
		return nil, nil, errs.Wrap(errs.HWIO, "candidate read failed", err)
	}
	h, err := block.DecodeHeader(buf)
	if err != nil {
		return nil, nil, errs.Wrap(errs.HeaderRot, "candidate header decode failed", err)
	}
	payload := buf[block.HeaderSize:]
	if err := Verify(h, expectedWellID, expectedSeqIndex, expectedGeneration, payload); err != nil {
		return nil, nil, err
	}
	return h, payload, nil
}

// HorizonCandidate computes the linear HINT_HORIZON candidate for logical
// index n (spec §4.4 bullet 1): G + N*stride, where stride is the
// fractal slot size in blocks. It is tried before shell enumeration once
// an anchor's DataClass carries FlagHintHorizon.
func HorizonCandidate(phys Physics, n uint64) uint64 {
	stride := uint64(1) << phys.M
	return phys.G + n*stride
}

// SortCLook orders a batch of logical-to-physical reads into C-LOOK
// (circular elevator) order for rotational media: ascending by physical
// block index, so the head sweeps once instead of seeking randomly.
// Non-rotational callers should skip this and issue reads in whatever
// order is convenient.
func SortCLook(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].BlockIndex < candidates[j].BlockIndex
	})
}
