// Package layout describes the bit-exact on-media layout of an HN4 volume
// (spec §6.1). All multi-byte fields are little-endian. Formatting and mount
// bootstrap that actually write this layout to a device are out of scope for
// this repository (they are the "formatting/mount bootstrap" external
// collaborator); this package only names the offsets, sizes, and magic
// constants the core packages (anchor, block, bitmap, allocator) rely on to
// interpret media they are handed.
package layout

const (
	// SuperblockSize is the size in bytes of each of the three redundant
	// superblock copies.
	SuperblockSize = 8192
	// SuperblockCRCFooter is how many trailing bytes of a superblock copy
	// hold its CRC32C, covering the preceding SuperblockSize-4 bytes.
	SuperblockCRCFooter = 4

	// EpochRingSize is the fixed size in bytes of the epoch ring that
	// immediately follows the North superblock copy.
	EpochRingSize = 1 << 20 // 1 MiB
	// EpochHeaderSize is the size of a single epoch ring header entry.
	EpochHeaderSize = 128

	// AnchorSize is the fixed on-media size of a single anchor record.
	AnchorSize = 128

	// BitmapWordSize is the fixed size of a single Armored Bitmap word.
	BitmapWordSize = 16

	// DataBlockHeaderSize is the size of the header prefix of a standard
	// data block, before the payload.
	DataBlockHeaderSize = 48

	// StreamBlockHeaderSize is the header size for stream-mode (D2) blocks.
	StreamBlockHeaderSize = 64

	// NanoSlotHeaderSize is the header size for a nano-slot inline payload
	// stored directly in the Cortex.
	NanoSlotHeaderSize = 32

	// ChronicleEntrySize is the fixed size of one Chronicle audit log entry.
	ChronicleEntrySize = 64
)

// Regions describes the computed layout of one mounted volume: where each
// named region begins, in LBA units of the volume's logical block size.
// Produced by the (out-of-scope) format/mount bootstrap and handed to the
// core as plain data.
type Regions struct {
	SuperblockLBAs   [3]uint64 // N, E(33%), W(66%) copies
	EpochRingStart   uint64
	CortexStart      uint64 // lba_cortex_start
	BitmapStart      uint64 // lba_bitmap_start
	FluxStart        uint64 // lba_flux_start (D1)
	HorizonStart     uint64 // lba_horizon_start (D1.5)
	JournalStart     uint64 // Chronicle log
	TotalBlocks      uint64
	BlockSize        int // bytes per physical block
	SectorsPerBlock  int
}

// Magic constants (spec §6.1).
const (
	MagicSuperblock  uint64 = 0x48594452415F4E34
	MagicBlock       uint32 = 0x424C4B30
	MagicStream      uint32 = 0x5354524D // "STRM"
	MagicRedirect    uint32 = 0x52444952 // "RDIR"
	MagicMeta        uint32 = 0x4D455441 // "META"
	MagicNano        uint32 = 0x4E414E4F // "NANO"
	MagicNanoPending uint32 = 0x504E4447 // "PNDG" on-media code from spec
	MagicChronicle   uint64 = 0x4348524F4E49434C // "CHRONICL"
	EndianTag        uint32 = 0x11223344
)
