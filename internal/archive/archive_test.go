package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rzbill/ipcd/internal/driver"
	"github.com/rzbill/ipcd/internal/logbuffer"
	pebblestore "github.com/rzbill/ipcd/internal/storage/pebble"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(Options{Dir: t.TempDir(), Fsync: pebblestore.FsyncModeNever, BatchFrames: 4})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// writeLog appends n frames of 96 bytes whose first byte is the frame index.
func writeLog(t *testing.T, regID int64, n int) driver.RetiredLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log")
	lb, err := logbuffer.Create(path, logbuffer.Params{TermLength: 1024, TermCount: 3, SessionID: 4, StreamID: 2, RegistrationID: regID})
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	payload := make([]byte, 96)
	for i := 0; i < n; i++ {
		payload[0] = byte(i)
		if _, err := lb.Append(payload, 0, lb.ProducerPosition()); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	producer := lb.ProducerPosition()
	if err := lb.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}
	return driver.RetiredLog{RegistrationID: regID, SessionID: 4, StreamID: 2, Route: "outbound", Path: path, ProducerPosition: producer}
}

func TestStoreAndRead(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	r := writeLog(t, 11, 10)
	now := time.UnixMilli(1_700_000_000_000)

	e, err := a.Store(ctx, r, now)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if e.Frames != 10 || e.StartPosition != 0 || e.EndPosition != 10*128 {
		t.Fatalf("entry %+v", e)
	}
	got, err := a.Get(11)
	if err != nil || got.Frames != 10 || !got.Archived.Equal(now) {
		t.Fatalf("get %+v err %v", got, err)
	}

	frames, err := a.Read(ctx, 11, 3*128, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(frames) != 2 || frames[0].Position != 384 || frames[0].Payload[0] != 3 || frames[1].Payload[0] != 4 {
		t.Fatalf("frames %+v", frames)
	}
	if frames[0].Header.SessionID != 4 || frames[0].Header.Type != logbuffer.TypeData {
		t.Fatalf("header %+v", frames[0].Header)
	}
	all, err := a.Read(ctx, 11, 0, 0)
	if err != nil || len(all) != 10 {
		t.Fatalf("read all: %d %v", len(all), err)
	}
}

func TestStoreKeepsOnlyRetainedTerms(t *testing.T) {
	a := newTestArchive(t)
	r := writeLog(t, 12, 40)
	e, err := a.Store(context.Background(), r, time.Now())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if e.StartPosition != 3072 || e.EndPosition != 5120 || e.Frames != 16 {
		t.Fatalf("entry %+v", e)
	}
	frames, _ := a.Read(context.Background(), 12, 0, 1)
	if len(frames) != 1 || frames[0].Payload[0] != 24 {
		t.Fatalf("first frame %+v", frames)
	}
}

func TestListDeleteAndPrune(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	for i := int64(1); i <= 3; i++ {
		if _, err := a.Store(ctx, writeLog(t, i, 2), base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	list, err := a.List(ctx)
	if err != nil || len(list) != 3 || list[0].RegistrationID != 1 {
		t.Fatalf("list %+v err %v", list, err)
	}

	pruned, err := a.PruneOlderThan(ctx, base.Add(150*time.Minute), 1)
	if err != nil || pruned != 2 {
		t.Fatalf("pruned %d err %v", pruned, err)
	}
	if _, err := a.Get(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry 1 survived: %v", err)
	}
	if frames, _ := a.Read(ctx, 2, 0, 0); len(frames) != 0 {
		t.Fatalf("frames of pruned log survived")
	}

	if err := a.Delete(ctx, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if list, _ := a.List(ctx); len(list) != 0 {
		t.Fatalf("list after delete %+v", list)
	}
	if err := a.Delete(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestRecordChecksum(t *testing.T) {
	rec := encodeRecord([]byte("hdr"), []byte("payload"))
	if h, p, ok := decodeRecord(rec); !ok || string(h) != "hdr" || string(p) != "payload" {
		t.Fatalf("decode failed")
	}
	rec[len(rec)-5] ^= 0xff
	if _, _, ok := decodeRecord(rec); ok {
		t.Fatalf("corruption not detected")
	}
}
