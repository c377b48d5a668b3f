// Package anchor implements the Anchor data model (spec §3): the fixed
// 128-byte identity record for one HN4 file, its on-media encoding, and the
// in-RAM Cortex table consulted by every other core component. Layout and
// field semantics are grounded on the teacher's approach to fixed-size,
// checksum-guarded on-media records (filesystem/ext4/superblock.go,
// groupdescriptors.go): explicit byte offsets via encoding/binary, a
// checksum computed over everything but itself, and bit-flag parse/toInt
// helpers for compact fields.
package anchor

import (
	"encoding/binary"
	"fmt"

	"github.com/hn4fs/hn4/crc32c"
	"github.com/hn4fs/hn4/layout"
	uuid "github.com/satori/go.uuid"
)

// Size is the fixed on-media size of one anchor record.
const Size = layout.AnchorSize

// Field byte offsets within the 128-byte record.
const (
	offSeedID       = 0
	offPublicID     = 16
	offGravityCtr   = 32
	offOrbitVector  = 40 // 48-bit, 6 bytes
	offFractalScale = 46
	offReserved0    = 47
	offMass         = 48
	offDataClass    = 56
	offPermissions  = 64
	offWriteGen     = 68
	offModClock     = 72
	offCreateClock  = 80
	offOrbitHints   = 88
	offInlineName   = 92
	inlineNameLen   = 32
	offChecksum     = 124
)

// MaxFractalScale is the inclusive upper bound of fractal_scale (spec §3:
// "0..16").
const MaxFractalScale = 16

// Record is the literal, decoded contents of one 128-byte anchor record, as
// it is read from or written to media. It is a plain value type: anchors on
// media are not cyclic with block headers (spec §9 "Cyclic references") —
// the anchor owns identity, the block merely carries a verification copy.
type Record struct {
	SeedID       uuid.UUID
	PublicID     uuid.UUID
	GravityCtr   uint64
	OrbitVector  uint64 // low 48 bits significant, always odd
	FractalScale uint8
	Mass         uint64
	DataClass    DataClass
	Permissions  Permissions
	WriteGen     uint32
	ModClock     int64
	CreateClock  int64
	OrbitHints   uint32
	InlineName   [inlineNameLen]byte
}

// CoerceOrbitOdd forces the low bit of v on, per the invariant "V always
// odd" (spec §3).
func CoerceOrbitOdd(v uint64) uint64 { return v | 1 }

// ToBytes encodes the record into its 128-byte on-media form, computing and
// appending the trailing CRC32C checksum.
func (r *Record) ToBytes() ([]byte, error) {
	b := make([]byte, Size)
	copy(b[offSeedID:offSeedID+16], r.SeedID.Bytes())
	copy(b[offPublicID:offPublicID+16], r.PublicID.Bytes())
	binary.LittleEndian.PutUint64(b[offGravityCtr:], r.GravityCtr)

	if r.FractalScale > MaxFractalScale {
		return nil, fmt.Errorf("anchor: fractal_scale %d exceeds max %d", r.FractalScale, MaxFractalScale)
	}
	ov := CoerceOrbitOdd(r.OrbitVector) & 0xFFFFFFFFFFFF
	var ovBytes [8]byte
	binary.LittleEndian.PutUint64(ovBytes[:], ov)
	copy(b[offOrbitVector:offOrbitVector+6], ovBytes[:6])

	b[offFractalScale] = r.FractalScale
	binary.LittleEndian.PutUint64(b[offMass:], r.Mass)
	binary.LittleEndian.PutUint64(b[offDataClass:], uint64(r.DataClass))
	binary.LittleEndian.PutUint32(b[offPermissions:], uint32(r.Permissions))
	binary.LittleEndian.PutUint32(b[offWriteGen:], r.WriteGen)
	binary.LittleEndian.PutUint64(b[offModClock:], uint64(r.ModClock))
	binary.LittleEndian.PutUint64(b[offCreateClock:], uint64(r.CreateClock))
	binary.LittleEndian.PutUint32(b[offOrbitHints:], r.OrbitHints)
	copy(b[offInlineName:offInlineName+inlineNameLen], r.InlineName[:])

	checksum := crc32c.Checksum(b[:offChecksum])
	binary.LittleEndian.PutUint32(b[offChecksum:], checksum)
	return b, nil
}

// FromBytes decodes a 128-byte anchor record, verifying its checksum.
func FromBytes(b []byte) (*Record, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("anchor: expected %d bytes, got %d", Size, len(b))
	}
	want := binary.LittleEndian.Uint32(b[offChecksum:])
	got := crc32c.Checksum(b[:offChecksum])
	if want != got {
		return nil, fmt.Errorf("anchor: checksum mismatch: on-media %x, computed %x", want, got)
	}

	var ovBytes [8]byte
	copy(ovBytes[:6], b[offOrbitVector:offOrbitVector+6])

	seedID, err := uuid.FromBytes(b[offSeedID : offSeedID+16])
	if err != nil {
		return nil, fmt.Errorf("anchor: seed_id: %w", err)
	}
	publicID, err := uuid.FromBytes(b[offPublicID : offPublicID+16])
	if err != nil {
		return nil, fmt.Errorf("anchor: public_id: %w", err)
	}

	r := &Record{
		SeedID:       seedID,
		PublicID:     publicID,
		GravityCtr:   binary.LittleEndian.Uint64(b[offGravityCtr:]),
		OrbitVector:  binary.LittleEndian.Uint64(ovBytes[:]),
		FractalScale: b[offFractalScale],
		Mass:         binary.LittleEndian.Uint64(b[offMass:]),
		DataClass:    DataClass(binary.LittleEndian.Uint64(b[offDataClass:])),
		Permissions:  Permissions(binary.LittleEndian.Uint32(b[offPermissions:])),
		WriteGen:     binary.LittleEndian.Uint32(b[offWriteGen:]),
		ModClock:     int64(binary.LittleEndian.Uint64(b[offModClock:])),
		CreateClock:  int64(binary.LittleEndian.Uint64(b[offCreateClock:])),
		OrbitHints:   binary.LittleEndian.Uint32(b[offOrbitHints:]),
	}
	copy(r.InlineName[:], b[offInlineName:offInlineName+inlineNameLen])
	return r, nil
}

// NextGeneration implements the write_gen wrap rule (spec §3, §4.5 Phase 4):
// monotonic, may wrap to 1, never to 0.
func NextGeneration(current uint32) uint32 {
	if current == 0xFFFFFFFF {
		return 1
	}
	return current + 1
}

// FluxSlotQuantum returns 2^M, the placement quantum in blocks for the
// anchor's fractal_scale.
func (r *Record) FluxSlotQuantum() uint64 {
	return uint64(1) << r.FractalScale
}
