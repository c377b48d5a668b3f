package scavenger

import (
	"context"

	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/hal"
)

// HyperSkipInterval is the block distance a hyper-skip pointer jumps
// (spec §4.6.4).
const HyperSkipInterval = 1024

// Stitcher maintains the hyper-skip shortcuts over HINT_STREAM files'
// D2 block chains so sequential readers can jump ahead without walking
// every link.
type Stitcher struct {
	cortex    *anchor.Cortex
	dev       hal.Device
	blockSize int
}

// NewStitcher builds a Stitcher for one volume.
func NewStitcher(cortex *anchor.Cortex, dev hal.Device, blockSize int) *Stitcher {
	return &Stitcher{cortex: cortex, dev: dev, blockSize: blockSize}
}

// Pulse walks the one HINT_STREAM chain that starts at headLBA,
// installing a hyper-skip on each interval-boundary base block.
func (s *Stitcher) Pulse(ctx context.Context, headLBA uint64) {
	lba := headLBA
	count := 0
	var baseLBA uint64 = lba
	for lba != 0 {
		buf := make([]byte, s.blockSize)
		if err := s.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpRead, LBA: lba, Buf: buf, Sectors: 1}); err != nil {
			return
		}
		h, err := block.DecodeStreamHeader(buf)
		if err != nil {
			return // corrupt block: the walk ends here, nothing is logged; never write into rot
		}
		if !h.VerifyPayload(buf[block.StreamHeaderSize:]) {
			return
		}

		if count > 0 && count%HyperSkipInterval == 0 {
			s.installSkip(ctx, baseLBA, lba)
			baseLBA = lba
		}

		if !h.HasSuccessor() {
			return
		}
		lba = h.NextStrm
		count++
	}
}

// installSkip re-signs the base block with a hyper_strm pointer at
// targetLBA, after re-verifying the base block's CRC.
func (s *Stitcher) installSkip(ctx context.Context, baseLBA, targetLBA uint64) {
	buf := make([]byte, s.blockSize)
	if err := s.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpRead, LBA: baseLBA, Buf: buf, Sectors: 1}); err != nil {
		return
	}
	h, err := block.DecodeStreamHeader(buf)
	if err != nil || !h.VerifyPayload(buf[block.StreamHeaderSize:]) {
		return // do not write into rot
	}
	h.HyperStrm = targetLBA
	if err := h.Encode(buf); err != nil {
		return
	}
	_ = s.dev.SyncIO(ctx, hal.IORequest{Op: hal.OpWrite, LBA: baseLBA, Buf: buf, Sectors: 1})
}
