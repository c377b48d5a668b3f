// Package compress wires the Shadow Hop's compression decision (spec §4.5
// Phase 2) to real codec implementations: pierrec/lz4/v4 for the default
// fast path and ulikunitz/xz for the ARCHIVE profile's higher ratio. Codec
// selection is profile-driven, not content-sniffed, matching the teacher's
// preference for explicit, table-driven policy over runtime heuristics
// (filesystem/ext4/features.go).
package compress

import (
	"bytes"
	"io"

	"github.com/hn4fs/hn4/block"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Codec compresses and decompresses one block payload.
type Codec interface {
	ID() block.CompMeta
	Compress(raw []byte) ([]byte, error)
	Decompress(compressed []byte, rawLen int) ([]byte, error)
}

// None is the identity codec, used whenever compression would not be
// effective (spec errs.CompressionIneffective) or is disabled for a class.
type None struct{}

func (None) ID() block.CompMeta { return block.CodecNone }
func (None) Compress(raw []byte) ([]byte, error) { return raw, nil }
func (None) Decompress(compressed []byte, rawLen int) ([]byte, error) { return compressed, nil }

// LZ4 is the default fast-path codec.
type LZ4 struct{}

func (LZ4) ID() block.CompMeta { return block.CodecLZ4 }

func (LZ4) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (LZ4) Decompress(compressed []byte, rawLen int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out := make([]byte, rawLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// XZ is the ARCHIVE profile's higher-ratio, higher-latency codec.
type XZ struct{}

func (XZ) ID() block.CompMeta { return block.CodecXZ }

func (XZ) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (XZ) Decompress(compressed []byte, rawLen int) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	out := make([]byte, rawLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Profile names the write-time profile driving codec selection (spec
// §4.1, §6.2).
type Profile int

const (
	ProfileDefault Profile = iota
	ProfileArchive
	ProfileLowLatency
	ProfileSystem
)

// ForProfile returns the codec the Shadow Hop should try for a given
// profile. ARCHIVE gets xz's better ratio; everything else gets lz4's
// lower latency.
func ForProfile(p Profile) Codec {
	if p == ProfileArchive {
		return XZ{}
	}
	return LZ4{}
}

// Effective reports whether compressing raw into compressed was worth the
// CPU: the spec's CompressionIneffective path triggers when the ratio
// doesn't clear a minimum threshold.
func Effective(rawLen, compressedLen int) bool {
	if rawLen == 0 {
		return false
	}
	return compressedLen < rawLen*9/10
}
