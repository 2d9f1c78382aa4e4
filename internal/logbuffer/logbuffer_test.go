package logbuffer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestLog(t *testing.T, termLength, termCount int32) *LogBuffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pub.logbuffer")
	lb, err := Create(path, Params{TermLength: termLength, TermCount: termCount, InitialTermID: 7, SessionID: 1, StreamID: 1001, RegistrationID: 99})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = lb.Close() })
	return lb
}

// payload96 fills exactly one 128-byte aligned frame.
var payload96 = bytes.Repeat([]byte{0xAB}, 96)

func TestCreateValidatesGeometry(t *testing.T) {
	dir := t.TempDir()
	cases := []Params{
		{TermLength: 0, TermCount: 3},
		{TermLength: 1000, TermCount: 3},
		{TermLength: 512, TermCount: 3},
		{TermLength: 1024, TermCount: 1},
		{TermLength: 1024, TermCount: 17},
	}
	for i, p := range cases {
		path := filepath.Join(dir, "bad")
		if _, err := Create(path, p); !errors.Is(err, ErrInvalidGeometry) {
			t.Fatalf("case %d: expected ErrInvalidGeometry, got %v", i, err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("case %d: no file should be left behind", i)
		}
	}
}

func TestLayout(t *testing.T) {
	if MetadataOffset(1024, 3) != 4096 || FileLength(1024, 3) != 8192 {
		t.Fatalf("metadata must be page aligned: off=%d len=%d", MetadataOffset(1024, 3), FileLength(1024, 3))
	}
	if MetadataOffset(64<<10, 3) != 3*64<<10 {
		t.Fatalf("aligned geometry should not grow")
	}
	if layoutVersionOffset+4 > MetadataLength || registrationIDOffset%8 != 0 || endOfStreamOffset%8 != 0 {
		t.Fatalf("metadata fields misplaced: reg=%d eos=%d", registrationIDOffset, endOfStreamOffset)
	}
	if registrationIDOffset != 1112 || endOfStreamOffset != 1120 || layoutVersionOffset != 1128 {
		t.Fatalf("metadata offsets moved: reg=%d eos=%d ver=%d", registrationIDOffset, endOfStreamOffset, layoutVersionOffset)
	}
	if (MetadataOffset(1024, 3)+endOfStreamOffset)%8 != 0 {
		t.Fatalf("end of stream not 8-aligned in the file")
	}
	raw := packTail(-3, 1024)
	if id, off := unpackTail(raw); id != -3 || off != 1024 {
		t.Fatalf("tail round trip: %d %d", id, off)
	}
}

func TestWritingFullTermRotates(t *testing.T) {
	lb := newTestLog(t, 1024, 3)
	if lb.ActiveTermIndex() != 0 {
		t.Fatalf("initial index %d", lb.ActiveTermIndex())
	}
	var pos int64
	var err error
	for i := 0; i < 8; i++ {
		if pos, err = lb.Append(payload96, 0, 0); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if pos != 1024 || lb.ProducerPosition() != 1024 {
		t.Fatalf("position %d producer %d", pos, lb.ProducerPosition())
	}
	if lb.ActiveTermIndex() != 1 {
		t.Fatalf("expected active term index 1, got %d", lb.ActiveTermIndex())
	}
	if termID, off := lb.RawTail(1); termID != 8 || off != 0 {
		t.Fatalf("new term tail %d/%d", termID, off)
	}
}

func TestRotationIntoOccupiedTermIsDeferred(t *testing.T) {
	lb := newTestLog(t, 1024, 2)
	for i := 0; i < 16; i++ {
		if _, err := lb.Append(payload96, 0, 0); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// term 1 is full and term 0 still holds data unread at position 0
	if lb.ActiveTermIndex() != 1 {
		t.Fatalf("expected rotation deferred at index 1, got %d", lb.ActiveTermIndex())
	}
	if _, err := lb.Append(payload96, 0, 0); !errors.Is(err, ErrBackPressure) {
		t.Fatalf("expected back pressure, got %v", err)
	}
	pos, err := lb.Append(payload96, 0, 1024)
	if err != nil {
		t.Fatalf("append after reader moved: %v", err)
	}
	if pos != 2048+128 || lb.ActiveTermIndex() != 0 {
		t.Fatalf("pos %d index %d", pos, lb.ActiveTermIndex())
	}
}

func TestPaddingAtEndOfTerm(t *testing.T) {
	lb := newTestLog(t, 2048, 3)
	big := make([]byte, MaxPayloadLength(2048))
	for i := 0; i < 7; i++ {
		if _, err := lb.Append(big, 0, 0); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := lb.Append(payload96, 0, 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	// 1920 used; a 256-byte frame does not fit in the remaining 128
	if got := lb.NextFramePosition(200); got != 2048 {
		t.Fatalf("next frame position %d", got)
	}
	pos, err := lb.Append(make([]byte, 200), 0, 0)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if pos != 2048+256 {
		t.Fatalf("pos %d", pos)
	}
	var got int
	end, frames, err := lb.Scan(0, pos, func(h Header, payload []byte) bool {
		got += len(payload)
		return true
	})
	if err != nil || end != pos || frames != 9 || got != 7*len(big)+96+200 {
		t.Fatalf("scan end=%d frames=%d bytes=%d err=%v", end, frames, got, err)
	}
}

func TestMessageTooLong(t *testing.T) {
	lb := newTestLog(t, 1024, 3)
	if _, err := lb.Append(make([]byte, MaxPayloadLength(1024)+1), 0, 0); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
}

func TestScanStopsAtHandlerAndUnwritten(t *testing.T) {
	lb := newTestLog(t, 1024, 3)
	for i := byte(0); i < 3; i++ {
		if _, err := lb.Append([]byte{i}, int64(i), 0); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	pos, frames, err := lb.Scan(0, 1<<20, func(h Header, payload []byte) bool {
		return payload[0] < 1
	})
	if err != nil || frames != 2 || pos != 128 {
		t.Fatalf("pos=%d frames=%d err=%v", pos, frames, err)
	}
	pos, frames, _ = lb.Scan(pos, 1<<20, func(h Header, payload []byte) bool {
		if h.Reserved != 2 || h.StreamID != 1001 || h.TermID != 7 {
			t.Fatalf("header %+v", h)
		}
		return true
	})
	if frames != 1 || pos != lb.ProducerPosition() {
		t.Fatalf("pos=%d frames=%d", pos, frames)
	}
}

func TestScanDetectsLap(t *testing.T) {
	lb := newTestLog(t, 1024, 2)
	for i := 0; i < 24; i++ {
		if _, err := lb.Append(payload96, 0, 1<<40); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if _, _, err := lb.Scan(0, lb.ProducerPosition(), func(Header, []byte) bool { return true }); !errors.Is(err, ErrLapped) {
		t.Fatalf("expected ErrLapped, got %v", err)
	}
}

func TestOpenExisting(t *testing.T) {
	lb := newTestLog(t, 2048, 4)
	if _, err := lb.Append([]byte("hello"), 0, 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	ro, err := Open(lb.Path(), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ro.Close()
	if ro.TermLength() != 2048 || ro.TermCount() != 4 || ro.InitialTermID() != 7 || ro.RegistrationID() != 99 {
		t.Fatalf("metadata mismatch")
	}
	if ro.ProducerPosition() != lb.ProducerPosition() {
		t.Fatalf("producer position %d vs %d", ro.ProducerPosition(), lb.ProducerPosition())
	}
	if lb.EndOfStreamPosition() != -1 {
		t.Fatalf("end of stream should start unset")
	}
}

func TestDecodeFrame(t *testing.T) {
	frame := EncodeFrame(Header{Version: CurrentVersion, Type: TypeData, TermOffset: 64, SessionID: 1, StreamID: 2, TermID: 3}, []byte("abc"))
	h, payload, err := DecodeFrame(frame)
	if err != nil || string(payload) != "abc" || h.TermOffset != 64 || h.FrameLength != HeaderLength+3 {
		t.Fatalf("decode: %+v %q %v", h, payload, err)
	}

	bad := append([]byte(nil), frame...)
	bad[versionOffset] = 9
	if _, _, err := DecodeFrame(bad); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected version error, got %v", err)
	}
	if _, _, err := DecodeFrame(frame[:10]); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected short frame error, got %v", err)
	}
	misaligned := EncodeFrame(Header{Version: CurrentVersion, Type: TypeData, TermOffset: 5}, nil)
	if _, _, err := DecodeFrame(misaligned); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected offset error, got %v", err)
	}
}
