package writepipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hn4fs/hn4/anchor"
	"github.com/hn4fs/hn4/bitmap"
	"github.com/hn4fs/hn4/block"
	"github.com/hn4fs/hn4/errs"
	"github.com/hn4fs/hn4/hal"
	"github.com/hn4fs/hn4/internal/simhal"
	"github.com/hn4fs/hn4/policy"
	"github.com/hn4fs/hn4/qualitymask"
	uuid "github.com/satori/go.uuid"
)

func newTestRecord() *anchor.Record {
	return &anchor.Record{
		SeedID: uuid.NewV4(), PublicID: uuid.NewV4(), GravityCtr: 1, OrbitVector: 3,
		FractalScale: 0, DataClass: anchor.FlagValid, Permissions: anchor.PermRead | anchor.PermWrite,
		WriteGen: 1,
	}
}

func TestWriteShadowHopRoundTrip(t *testing.T) {
	const blockSize = 512
	path := t.TempDir() + "/disk.img"
	dev, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: 64, Seed: 20})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { dev.Close(); os.Remove(path) }()

	bm := bitmap.New(64)
	rec := newTestRecord()
	live := anchor.NewLive(rec)

	deps := Deps{Dev: dev, Bitmap: bm, FluxStart: 0, Phi: 64, HorizonStart: 64, HorizonCap: 0, BlockSize: blockSize}
	req := Request{
		Live: live, N: 0, Data: []byte("atomic shadow hop payload"),
		Device: policy.DeviceSSD, Profile: policy.ProfileDefault,
	}

	res := Write(context.Background(), deps, req)
	if res.Code != errs.Success {
		t.Fatalf("Write: code = %v, want Success", res.Code)
	}
	if live.WriteGen() != 2 {
		t.Fatalf("WriteGen after commit = %d, want 2", live.WriteGen())
	}

	used, _ := bm.Test(0)
	_ = used // the exact shell landed on varies; only write_gen/anchor commit matters here

	// Resolve the shadow location the same way the caller would and verify
	// the payload is readable back.
	buf := make([]byte, blockSize)
	found := false
	for i := uint64(0); i < 64; i++ {
		if ok, _ := bm.Test(i); !ok {
			continue
		}
		if err := dev.SyncIO(context.Background(), hal.IORequest{Op: hal.OpRead, LBA: i, Buf: buf, Sectors: 1}); err != nil {
			continue
		}
		h, err := block.DecodeHeader(buf)
		if err != nil || h.WellID != rec.SeedID {
			continue
		}
		found = true
		break
	}
	if !found {
		t.Fatalf("no written block resolved back to the anchor's well_id")
	}
	if !bytes.Equal(buf[block.HeaderSize:block.HeaderSize+len(req.Data)], req.Data) {
		t.Fatalf("payload mismatch after shadow hop write")
	}
}

// failingDevice always fails the write phase outright (not a lost
// completion): every retry attempt sees the same immediate error, so once
// the standard-write retry policy (spec §4.5 Phase 7, §9) exhausts its
// attempts the pipeline knows the shadow block never landed and frees it.
type failingDevice struct {
	*simhal.Device
}

func (d *failingDevice) SyncIO(ctx context.Context, req hal.IORequest) error {
	if req.Op == hal.OpWrite {
		return errors.New("simulated write failure")
	}
	return d.Device.SyncIO(ctx, req)
}

func TestWriteShadowHopRetryExhaustionFreesBlockRatherThanLeaking(t *testing.T) {
	const blockSize = 512
	path := t.TempDir() + "/disk.img"
	raw, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: 64, Seed: 21})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { raw.Close(); os.Remove(path) }()

	bm := bitmap.New(64)
	qm := qualitymask.New(64)
	rec := newTestRecord()
	live := anchor.NewLive(rec)

	dev := &failingDevice{Device: raw}
	deps := Deps{Dev: dev, Bitmap: bm, Quality: qm, FluxStart: 0, Phi: 64, HorizonStart: 64, HorizonCap: 0, BlockSize: blockSize}
	req := Request{
		Live: live, N: 0, Data: []byte("never lands"),
		Device: policy.DeviceSSD, Profile: policy.ProfileDefault,
	}

	res := Write(context.Background(), deps, req)
	if res.Code != errs.HWIO {
		t.Fatalf("expected HWIO once retries are exhausted with no context deadline, got %v", res.Code)
	}
	if live.WriteGen() != 1 {
		t.Fatalf("WriteGen must not advance on a failed shadow hop, got %d", live.WriteGen())
	}
	if bm.UsedBlocks() != 0 {
		t.Fatalf("UsedBlocks after retry exhaustion = %d, want 0 (shadow block is provably unwritten, so it's freed)", bm.UsedBlocks())
	}
}

// hangingDevice blocks every write until the context is done, simulating a
// lost completion interrupt rather than an outright device rejection.
type hangingDevice struct {
	*simhal.Device
}

func (d *hangingDevice) SyncIO(ctx context.Context, req hal.IORequest) error {
	if req.Op == hal.OpWrite {
		<-ctx.Done()
		return ctx.Err()
	}
	return d.Device.SyncIO(ctx, req)
}

func TestWriteShadowHopContextTimeoutDegradesRatherThanFrees(t *testing.T) {
	const blockSize = 512
	path := t.TempDir() + "/disk.img"
	raw, err := simhal.Open(simhal.Config{Path: path, LogicalBlockSize: blockSize, TotalSectors: 64, Seed: 22})
	if err != nil {
		t.Fatalf("simhal.Open: %v", err)
	}
	defer func() { raw.Close(); os.Remove(path) }()

	bm := bitmap.New(64)
	qm := qualitymask.New(64)
	rec := newTestRecord()
	live := anchor.NewLive(rec)

	dev := &hangingDevice{Device: raw}
	deps := Deps{Dev: dev, Bitmap: bm, Quality: qm, FluxStart: 0, Phi: 64, HorizonStart: 64, HorizonCap: 0, BlockSize: blockSize}
	req := Request{
		Live: live, N: 0, Data: []byte("lost completion"),
		Device: policy.DeviceSSD, Profile: policy.ProfileDefault,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := Write(ctx, deps, req)
	if res.Code != errs.AtomicsTimeout {
		t.Fatalf("expected AtomicsTimeout on a genuine context deadline, got %v", res.Code)
	}
	if live.WriteGen() != 1 {
		t.Fatalf("WriteGen must not advance on a failed shadow hop, got %d", live.WriteGen())
	}
	if bm.UsedBlocks() != 1 {
		t.Fatalf("UsedBlocks after a timeout-class write failure = %d, want 1 (shadow block's on-media state is unknown, so it's leaked, not freed)", bm.UsedBlocks())
	}
	degraded := false
	for i := 0; i < 64; i++ {
		if qm.Get(i) != qualitymask.Gold {
			degraded = true
			break
		}
	}
	if !degraded {
		t.Fatalf("expected the shadow block's quality tier to be degraded after a timeout-class failure")
	}
}
