package scavenger

import (
	"context"
	"os"
	"testing"

	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/crc32c"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/internal/simhal"
	"github.com/hn4fs/hn4/spinlock"
)

func writeStreamBlock(t *testing.T, dev *simhal.Device, lba uint64, payload []byte, next uint64) {
	t.Helper()
	buf := make([]byte, 512)
	copy(buf[block.StreamHeaderSize:], payload)
	h := &block.StreamHeader{SeqID: 1, Length: uint32(len(payload)), NextStrm: next, DataCRC: crc32c.Checksum(buf[block.StreamHeaderSize:])}
	if err := h.Encode(buf); err != nil {
		t.Fatalf("Encode stream header: %v", err)
	}
	if err := dev.SyncIO(context.Background(), hal.IORequest{Op: hal.OpWrite, LBA: lba, Buf: buf, Sectors: 1}); err != nil {
		t.Fatalf("write stream block %d: %v", lba, err)
	}
}

func TestStitcherWalksChainWithoutPanicking(t *testing.T) {
	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: 512, TotalSectors: 16, Seed: 1})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	payload := []byte("stream chunk")
	writeStreamBlock(t, dev, 1, payload, 2)
	writeStreamBlock(t, dev, 2, payload, 0)

	cortex := anchor.NewCortex(&spinlock.Spin{})
	stitcher := NewStitcher(cortex, dev, 512)
	stitcher.Pulse(context.Background(), 1) // short chain, never crosses HyperSkipInterval

	buf := make([]byte, 512)
	if err := dev.SyncIO(context.Background(), hal.IORequest{Op: hal.OpRead, LBA: 1, Buf: buf, Sectors: 1}); err != nil {
		t.Fatalf("read back base block: %v", err)
	}
	h, err := block.DecodeStreamHeader(buf)
	if err != nil {
		t.Fatalf("DecodeStreamHeader: %v", err)
	}
	if h.HasSkip() {
		t.Fatalf("expected no hyper-skip to be installed on a chain shorter than HyperSkipInterval")
	}
}

func TestStitcherStopsOnCorruptBlock(t *testing.T) {
	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: 512, TotalSectors: 16, Seed: 2})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	cortex := anchor.NewCortex(&spinlock.Spin{})
	stitcher := NewStitcher(cortex, dev, 512)
	// Block 9 was never written (all zero): decoding should fail and Pulse
	// must return without writing anywhere.
	stitcher.Pulse(context.Background(), 9)
}
