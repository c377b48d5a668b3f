// Package block implements the on-media block formats (spec §4.4): the
// standard Data Block (D0), the Nano-slot inline payload, and the
// Stream-mode (D2) block used for sequential append chains. Encoding follows
// the same explicit-offset, trailing-CRC32C discipline as package anchor,
// grounded on the teacher's fixed-size checksummed record style
// (filesystem/ext4/superblock.go).
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/hn4fs/hn4/crc32c"
	"github.com/hn4fs/hn4/layout"
	uuid "github.com/satori/go.uuid"
)

// HeaderSize is the fixed size of a standard Data Block header.
const HeaderSize = layout.DataBlockHeaderSize

const (
	offWellID     = 0  // 16 bytes: a copy of the owning anchor's seed_id
	offSeqIndex   = 16 // 8 bytes
	offGeneration = 24 // 4 bytes
	offMagic      = 28 // 4 bytes
	offDataCRC    = 32 // 4 bytes
	offCompMeta   = 36 // 4 bytes
	offReserved   = 40 // 4 bytes padding
	offHeaderCRC  = 44 // 4 bytes
)

// CompMeta packs the compression codec and the uncompressed payload length
// into a single 32-bit field: low byte is the codec id, remaining 24 bits
// are the uncompressed length in bytes (payloads never exceed 16 MiB
// uncompressed within one block in any defined profile).
type CompMeta uint32

const (
	CodecNone CompMeta = 0
	CodecLZ4  CompMeta = 1
	CodecXZ   CompMeta = 2
)

func PackCompMeta(codec CompMeta, uncompressedLen uint32) CompMeta {
	return CompMeta(uint32(codec)&0xFF | (uncompressedLen&0xFFFFFF)<<8)
}

func (c CompMeta) Codec() CompMeta { return c & 0xFF }
func (c CompMeta) RawLen() uint32  { return uint32(c) >> 8 }

// Header is the decoded 48-byte prefix of a standard Data Block.
type Header struct {
	WellID     uuid.UUID // spec's well_id: a copy of the owning anchor's seed_id
	SeqIndex   uint64
	Generation uint32
	Magic      uint32
	DataCRC    uint32
	CompMeta   CompMeta
}

// Encode writes the header (with a freshly computed header_crc and the
// given payload's data_crc already folded into h.DataCRC) into the first
// HeaderSize bytes of buf.
func (h *Header) Encode(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("block: header buffer too small: %d < %d", len(buf), HeaderSize)
	}
	copy(buf[offWellID:offWellID+16], h.WellID.Bytes())
	binary.LittleEndian.PutUint64(buf[offSeqIndex:], h.SeqIndex)
	binary.LittleEndian.PutUint32(buf[offGeneration:], h.Generation)
	binary.LittleEndian.PutUint32(buf[offMagic:], layout.MagicBlock)
	binary.LittleEndian.PutUint32(buf[offDataCRC:], h.DataCRC)
	binary.LittleEndian.PutUint32(buf[offCompMeta:], uint32(h.CompMeta))
	for i := offReserved; i < offHeaderCRC; i++ {
		buf[i] = 0
	}
	hc := crc32c.Checksum(buf[:offHeaderCRC])
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], hc)
	return nil
}

// DecodeHeader parses the first HeaderSize bytes of buf, verifying the magic
// number and header_crc.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("block: buffer too small for header: %d < %d", len(buf), HeaderSize)
	}
	magic := binary.LittleEndian.Uint32(buf[offMagic:])
	if magic != layout.MagicBlock {
		return nil, fmt.Errorf("block: bad magic %x, want %x", magic, layout.MagicBlock)
	}
	wantCRC := binary.LittleEndian.Uint32(buf[offHeaderCRC:])
	gotCRC := crc32c.Checksum(buf[:offHeaderCRC])
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("block: header_crc mismatch: on-media %x, computed %x", wantCRC, gotCRC)
	}
	wellID, err := uuid.FromBytes(buf[offWellID : offWellID+16])
	if err != nil {
		return nil, fmt.Errorf("block: well_id: %w", err)
	}
	return &Header{
		WellID:     wellID,
		SeqIndex:   binary.LittleEndian.Uint64(buf[offSeqIndex:]),
		Generation: binary.LittleEndian.Uint32(buf[offGeneration:]),
		Magic:      magic,
		DataCRC:    binary.LittleEndian.Uint32(buf[offDataCRC:]),
		CompMeta:   CompMeta(binary.LittleEndian.Uint32(buf[offCompMeta:])),
	}, nil
}

// VerifyPayload reports whether payload's CRC32C matches h.DataCRC.
func (h *Header) VerifyPayload(payload []byte) bool {
	return crc32c.Checksum(payload) == h.DataCRC
}

// MatchesExpected performs the block verification test from spec §4.4.1:
// the block belongs to the (wellID, seqIndex) the resolver expects, and its
// generation matches strictly (no tolerance — a mismatch here always means
// stale or phantom).
func (h *Header) MatchesExpected(wellID uuid.UUID, seqIndex uint64, generation uint32) bool {
	return h.WellID == wellID && h.SeqIndex == seqIndex && h.Generation == generation
}
