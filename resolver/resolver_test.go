package resolver

import (
	"context"
	"os"
	"testing"

	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/crc32c"
	"github.com/hn4fs/hn4/errs"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/internal/simhal"
	uuid "github.com/satori/go.uuid"
)

func TestEnumerateReturnsShellsInOrder(t *testing.T) {
	phys := Physics{G: 1, V: 3, M: 0}
	cands := Enumerate(phys, 0, 64, 0, 5)
	if len(cands) == 0 {
		t.Fatalf("expected at least one candidate")
	}
	for i, c := range cands {
		if c.Shell != i {
			t.Fatalf("candidate %d has shell %d, expected shells in order", i, c.Shell)
		}
	}
}

func TestVerifyAcceptsMatchingHeader(t *testing.T) {
	wellID := uuid.NewV4()
	payload := []byte("verified payload bytes")
	h := &block.Header{WellID: wellID, SeqIndex: 4, Generation: 2, DataCRC: crc32c.Checksum(payload)}
	if err := Verify(h, wellID, 4, 2, payload); err != nil {
		t.Fatalf("Verify on a matching header: %v", err)
	}
}

func TestVerifyRejectsWrongOwner(t *testing.T) {
	h := &block.Header{WellID: uuid.NewV4(), SeqIndex: 0, Generation: 1}
	if err := Verify(h, uuid.NewV4(), 0, 1, nil); !errs.Is(err, errs.PhantomBlock) {
		t.Fatalf("Verify with mismatched well_id: got %v, want PhantomBlock", err)
	}
}

func TestVerifyRejectsGenerationSkew(t *testing.T) {
	wellID := uuid.NewV4()
	h := &block.Header{WellID: wellID, SeqIndex: 0, Generation: 1}
	if err := Verify(h, wellID, 0, 2, nil); !errs.Is(err, errs.GenerationSkew) {
		t.Fatalf("Verify with stale generation: got %v, want GenerationSkew", err)
	}
}

func TestVerifyRejectsPayloadRot(t *testing.T) {
	wellID := uuid.NewV4()
	payload := []byte("original bytes")
	h := &block.Header{WellID: wellID, SeqIndex: 0, Generation: 1, DataCRC: crc32c.Checksum(payload)}
	tampered := []byte("tampered bytes!")
	if err := Verify(h, wellID, 0, 1, tampered); !errs.Is(err, errs.PayloadRot) {
		t.Fatalf("Verify with tampered payload: got %v, want PayloadRot", err)
	}
}

func TestReadCandidateRoundTrip(t *testing.T) {
	const blockSize = 512
	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: 16, Seed: 9})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	wellID := uuid.NewV4()
	payload := make([]byte, blockSize-block.HeaderSize)
	copy(payload, []byte("candidate payload"))
	h := &block.Header{WellID: wellID, SeqIndex: 7, Generation: 3, DataCRC: crc32c.Checksum(payload)}
	buf := make([]byte, blockSize)
	if err := h.Encode(buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	copy(buf[block.HeaderSize:], payload)
	if err := dev.SyncIO(context.Background(), hal.IORequest{Op: hal.OpWrite, LBA: 3, Buf: buf, Sectors: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	bm := bitmap.New(16)
	if err := bm.Set(3); err != nil {
		t.Fatalf("bm.Set: %v", err)
	}

	gotHeader, gotPayload, err := ReadCandidate(dev, bm, 3, blockSize, wellID, 7, 3)
	if err != nil {
		t.Fatalf("ReadCandidate: %v", err)
	}
	if gotHeader.SeqIndex != 7 {
		t.Fatalf("ReadCandidate header.SeqIndex = %d, want 7", gotHeader.SeqIndex)
	}
	if string(gotPayload[:len("candidate payload")]) != "candidate payload" {
		t.Fatalf("ReadCandidate payload mismatch: %q", gotPayload[:len("candidate payload")])
	}
}

func TestReadCandidateRejectsOutOfRangeIndex(t *testing.T) {
	const blockSize = 512
	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: 16, Seed: 10})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	bm := bitmap.New(16)
	if _, _, err := ReadCandidate(dev, bm, 99, blockSize, uuid.NewV4(), 0, 1); !errs.Is(err, errs.PhantomBlock) {
		t.Fatalf("ReadCandidate on out-of-range index: got %v, want PhantomBlock", err)
	}
}

func TestReadCandidateRejectsBlockNotMarkedUsed(t *testing.T) {
	const blockSize = 512
	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: 16, Seed: 11})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	bm := bitmap.New(16)
	if _, _, err := ReadCandidate(dev, bm, 3, blockSize, uuid.NewV4(), 0, 1); !errs.Is(err, errs.PhantomBlock) {
		t.Fatalf("ReadCandidate on a free block: got %v, want PhantomBlock", err)
	}
}

func TestHorizonCandidateAppliesStride(t *testing.T) {
	phys := Physics{G: 100, M: 2}
	if got := HorizonCandidate(phys, 3); got != 100+3*4 {
		t.Fatalf("HorizonCandidate(n=3, stride=4) = %d, want %d", got, 100+3*4)
	}
}

func TestSortCLookOrdersAscendingByBlockIndex(t *testing.T) {
	cands := []Candidate{{BlockIndex: 50, Shell: 2}, {BlockIndex: 10, Shell: 0}, {BlockIndex: 30, Shell: 1}}
	SortCLook(cands)
	for i := 1; i < len(cands); i++ {
		if cands[i-1].BlockIndex > cands[i].BlockIndex {
			t.Fatalf("SortCLook did not produce ascending order: %+v", cands)
		}
	}
}
