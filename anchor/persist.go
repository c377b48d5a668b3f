package anchor

import (
	"context"

	"github.com/hn4fs/hn4/hal"
)

// AnchorsPerSector returns how many fixed-size anchor records pack into one
// physical block of blockSize bytes (spec §6.1: the Cortex table is "a
// sequence of 128-byte anchors").
func AnchorsPerSector(blockSize int) int {
	n := blockSize / Size
	if n < 1 {
		return 1
	}
	return n
}

// Sector is the anchor_sector(index) helper the spec calls for in place of
// raw pointer arithmetic into a media-backed structure: the physical block
// holding slot index, under a Cortex table starting at cortexStart.
func Sector(cortexStart, index uint64, blockSize int) uint64 {
	return cortexStart + index/uint64(AnchorsPerSector(blockSize))
}

// sectorOffset is the byte offset of slot index within the sector Sector
// returns.
func sectorOffset(index uint64, blockSize int) int {
	return int(index%uint64(AnchorsPerSector(blockSize))) * Size
}

// Persist writes r to its slot's physical sector. Several anchor records
// share one physical block whenever blockSize > Size, so this is a
// read-modify-write, not a bare write, the same packing discipline the
// teacher applies to group descriptors sharing a block
// (filesystem/ext4/groupdescriptors.go).
func Persist(ctx context.Context, dev hal.Device, cortexStart, index uint64, blockSize int, r *Record) error {
	sector := Sector(cortexStart, index, blockSize)
	buf := make([]byte, blockSize)
	if err := dev.SyncIO(ctx, hal.IORequest{Op: hal.OpRead, LBA: sector, Buf: buf, Sectors: 1}); err != nil {
		return err
	}
	enc, err := r.ToBytes()
	if err != nil {
		return err
	}
	off := sectorOffset(index, blockSize)
	copy(buf[off:off+Size], enc)
	return dev.SyncIO(ctx, hal.IORequest{Op: hal.OpWrite, LBA: sector, Buf: buf, Sectors: 1})
}

// Load reads back one anchor slot from media, verifying its checksum.
func Load(ctx context.Context, dev hal.Device, cortexStart, index uint64, blockSize int) (*Record, error) {
	sector := Sector(cortexStart, index, blockSize)
	buf := make([]byte, blockSize)
	if err := dev.SyncIO(ctx, hal.IORequest{Op: hal.OpRead, LBA: sector, Buf: buf, Sectors: 1}); err != nil {
		return nil, err
	}
	off := sectorOffset(index, blockSize)
	return FromBytes(buf[off : off+Size])
}
