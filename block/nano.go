package block

import (
	"encoding/binary"
	"fmt"

	"github.com/hn4fs/hn4/crc32c"
	"github.com/hn4fs/hn4/layout"
)

// NanoHeaderSize is the fixed size of a nano-slot header, stored directly
// alongside an anchor for payloads small enough to skip block allocation
// entirely (spec §4.4.3).
const NanoHeaderSize = layout.NanoSlotHeaderSize

const (
	nanoOffMagic     = 0
	nanoOffVersion   = 4
	nanoOffPayloadLn = 8
	nanoOffDataCRC   = 12
	nanoOffFlags     = 16
	nanoOffReserved  = 20
	nanoOffHeaderCRC = 28
)

// NanoFlags occupies the header's flags word.
type NanoFlags uint32

const NanoCommitted NanoFlags = 1 << 0

// NanoHeader is the decoded 32-byte nano-slot header. The payload itself
// (up to the slot's fixed inline capacity) follows immediately after the
// header in the same Cortex-resident buffer.
type NanoHeader struct {
	Pending    bool // true selects MagicNanoPending instead of MagicNano
	Version    uint32
	PayloadLen uint32
	DataCRC    uint32
	Flags      NanoFlags
}

// Encode writes the header into the first NanoHeaderSize bytes of buf.
func (h *NanoHeader) Encode(buf []byte) error {
	if len(buf) < NanoHeaderSize {
		return fmt.Errorf("block: nano buffer too small: %d < %d", len(buf), NanoHeaderSize)
	}
	magic := layout.MagicNano
	if h.Pending {
		magic = layout.MagicNanoPending
	}
	binary.LittleEndian.PutUint32(buf[nanoOffMagic:], magic)
	binary.LittleEndian.PutUint32(buf[nanoOffVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[nanoOffPayloadLn:], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[nanoOffDataCRC:], h.DataCRC)
	binary.LittleEndian.PutUint32(buf[nanoOffFlags:], uint32(h.Flags))
	for i := nanoOffReserved; i < nanoOffHeaderCRC; i++ {
		buf[i] = 0
	}
	hc := crc32c.Checksum(buf[:nanoOffHeaderCRC])
	binary.LittleEndian.PutUint32(buf[nanoOffHeaderCRC:], hc)
	return nil
}

// DecodeNanoHeader parses a 32-byte nano-slot header.
func DecodeNanoHeader(buf []byte) (*NanoHeader, error) {
	if len(buf) < NanoHeaderSize {
		return nil, fmt.Errorf("block: buffer too small for nano header: %d < %d", len(buf), NanoHeaderSize)
	}
	magic := binary.LittleEndian.Uint32(buf[nanoOffMagic:])
	pending := false
	switch magic {
	case layout.MagicNano:
	case layout.MagicNanoPending:
		pending = true
	default:
		return nil, fmt.Errorf("block: bad nano magic %x", magic)
	}
	wantCRC := binary.LittleEndian.Uint32(buf[nanoOffHeaderCRC:])
	gotCRC := crc32c.Checksum(buf[:nanoOffHeaderCRC])
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("block: nano header_crc mismatch: on-media %x, computed %x", wantCRC, gotCRC)
	}
	return &NanoHeader{
		Pending:    pending,
		Version:    binary.LittleEndian.Uint32(buf[nanoOffVersion:]),
		PayloadLen: binary.LittleEndian.Uint32(buf[nanoOffPayloadLn:]),
		DataCRC:    binary.LittleEndian.Uint32(buf[nanoOffDataCRC:]),
		Flags:      NanoFlags(binary.LittleEndian.Uint32(buf[nanoOffFlags:])),
	}, nil
}

// VerifyPayload reports whether payload's CRC32C matches h.DataCRC.
func (h *NanoHeader) VerifyPayload(payload []byte) bool {
	return crc32c.Checksum(payload) == h.DataCRC
}

// Committed reports whether the slot's write finished durably. A nano-slot
// observed with Pending=true and Committed=false after a crash is an
// in-flight write that never completed and must be treated as absent (spec
// §4.4.3 rescue handling mirrors the Shadow Hop's own PNDG recovery rule).
func (h *NanoHeader) Committed() bool { return h.Flags&NanoCommitted != 0 }
