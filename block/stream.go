package block

import (
	"encoding/binary"
	"fmt"

	"github.com/hn4fs/hn4/crc32c"
	"github.com/hn4fs/hn4/layout"
)

// StreamHeaderSize is the fixed size of a stream-mode (D2) block header,
// used for append-heavy sequential writes that skip per-block placement in
// favor of a chained skip-list (spec §4.4.2).
const StreamHeaderSize = layout.StreamBlockHeaderSize

const (
	streamOffMagic    = 0
	streamOffSeqID    = 4
	streamOffLength   = 12
	streamOffNextStrm = 16
	streamOffHyperStrm = 24
	streamOffCRC      = 32
	streamOffReserved = 36
	streamOffHeaderCRC = 60
)

// RedirectBlock reuses the exact same layout with MagicRedirect in place of
// MagicStream: a stream block that has been relocated leaves a redirect
// stub at its old physical location pointing at the new one via NextStrm.

// StreamHeader is the decoded 64-byte header of one stream block. A value
// of NextStrm == 0 means "no successor yet" (this is the tail of the
// chain); HyperStrm is the "skip ahead" pointer the Stitcher maintains so a
// sequential reader can jump multiple blocks without walking every link.
type StreamHeader struct {
	Redirect  bool // true selects MagicRedirect instead of MagicStream
	SeqID     uint64
	Length    uint32
	NextStrm  uint64
	HyperStrm uint64
	DataCRC   uint32
}

// Encode writes the header into the first StreamHeaderSize bytes of buf.
func (h *StreamHeader) Encode(buf []byte) error {
	if len(buf) < StreamHeaderSize {
		return fmt.Errorf("block: stream buffer too small: %d < %d", len(buf), StreamHeaderSize)
	}
	magic := layout.MagicStream
	if h.Redirect {
		magic = layout.MagicRedirect
	}
	binary.LittleEndian.PutUint32(buf[streamOffMagic:], magic)
	binary.LittleEndian.PutUint64(buf[streamOffSeqID:], h.SeqID)
	binary.LittleEndian.PutUint32(buf[streamOffLength:], h.Length)
	binary.LittleEndian.PutUint64(buf[streamOffNextStrm:], h.NextStrm)
	binary.LittleEndian.PutUint64(buf[streamOffHyperStrm:], h.HyperStrm)
	binary.LittleEndian.PutUint32(buf[streamOffCRC:], h.DataCRC)
	for i := streamOffReserved; i < streamOffHeaderCRC; i++ {
		buf[i] = 0
	}
	hc := crc32c.Checksum(buf[:streamOffHeaderCRC])
	binary.LittleEndian.PutUint32(buf[streamOffHeaderCRC:], hc)
	return nil
}

// DecodeStreamHeader parses a 64-byte stream block header.
func DecodeStreamHeader(buf []byte) (*StreamHeader, error) {
	if len(buf) < StreamHeaderSize {
		return nil, fmt.Errorf("block: buffer too small for stream header: %d < %d", len(buf), StreamHeaderSize)
	}
	magic := binary.LittleEndian.Uint32(buf[streamOffMagic:])
	redirect := false
	switch magic {
	case layout.MagicStream:
	case layout.MagicRedirect:
		redirect = true
	default:
		return nil, fmt.Errorf("block: bad stream magic %x", magic)
	}
	wantCRC := binary.LittleEndian.Uint32(buf[streamOffHeaderCRC:])
	gotCRC := crc32c.Checksum(buf[:streamOffHeaderCRC])
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("block: stream header_crc mismatch: on-media %x, computed %x", wantCRC, gotCRC)
	}
	return &StreamHeader{
		Redirect:  redirect,
		SeqID:     binary.LittleEndian.Uint64(buf[streamOffSeqID:]),
		Length:    binary.LittleEndian.Uint32(buf[streamOffLength:]),
		NextStrm:  binary.LittleEndian.Uint64(buf[streamOffNextStrm:]),
		HyperStrm: binary.LittleEndian.Uint64(buf[streamOffHyperStrm:]),
		DataCRC:   binary.LittleEndian.Uint32(buf[streamOffCRC:]),
	}, nil
}

// VerifyPayload reports whether payload's CRC32C matches h.DataCRC.
func (h *StreamHeader) VerifyPayload(payload []byte) bool {
	return crc32c.Checksum(payload) == h.DataCRC
}

// HasSuccessor reports whether the chain continues past this block.
func (h *StreamHeader) HasSuccessor() bool { return h.NextStrm != 0 }

// HasSkip reports whether a hyper_strm skip pointer is present.
func (h *StreamHeader) HasSkip() bool { return h.HyperStrm != 0 }
