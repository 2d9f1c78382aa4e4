package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rzbill/ipcd/internal/archive"
	"github.com/rzbill/ipcd/internal/clock"
	"github.com/rzbill/ipcd/internal/driver"
	"github.com/rzbill/ipcd/internal/logbuffer"
	pebblestore "github.com/rzbill/ipcd/internal/storage/pebble"
)

func retired(t *testing.T, route string, frames int) driver.RetiredLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1.logbuffer")
	lb, err := logbuffer.Create(path, logbuffer.Params{TermLength: 1024, TermCount: 3, SessionID: 1, StreamID: 2, RegistrationID: 1})
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	for i := 0; i < frames; i++ {
		if _, err := lb.Append([]byte("data"), 0, lb.ProducerPosition()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	producer := lb.ProducerPosition()
	_ = lb.Close()
	created := time.UnixMilli(1_700_000_000_000)
	return driver.RetiredLog{
		RegistrationID:   1,
		SessionID:        1,
		StreamID:         2,
		Route:            route,
		Path:             path,
		TermLength:       1024,
		TermCount:        3,
		ProducerPosition: producer,
		Created:          created,
		Deleted:          created.Add(90 * time.Second),
	}
}

func TestPolicyDecide(t *testing.T) {
	r := driver.RetiredLog{RegistrationID: 9, StreamID: 7, Route: "inbound", ProducerPosition: 4096, Created: time.Unix(0, 0), Deleted: time.Unix(120, 0)}
	cases := []struct {
		expr string
		want Action
	}{
		{"", ActionDelete},
		{`"keep"`, ActionKeep},
		{`route == "inbound" ? "archive" : "delete"`, ActionArchive},
		{`length > 8192`, ActionDelete},
		{`stream_id == 7 && lifetime_ms >= 120000`, ActionArchive},
		{`channel == "" ? "KEEP" : "delete"`, ActionKeep},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			p, err := Compile(tc.expr)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got, err := p.Decide(r)
			if err != nil || got != tc.want {
				t.Fatalf("got %s err %v, want %s", got, err, tc.want)
			}
		})
	}
}

func TestPolicyRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{`length +`, `length`, `unknown_var == 1`} {
		if _, err := Compile(expr); !errors.Is(err, ErrInvalidPolicy) {
			t.Fatalf("%q: want invalid policy, got %v", expr, err)
		}
	}
	p, err := Compile(`"shred"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := p.Decide(driver.RetiredLog{}); err == nil {
		t.Fatalf("unknown action must fail at decision time")
	}
}

func newWorker(t *testing.T, expr string, withArchive bool) (*Worker, *archive.Archive) {
	t.Helper()
	p, err := Compile(expr)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var a *archive.Archive
	if withArchive {
		a, err = archive.Open(archive.Options{Dir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
		if err != nil {
			t.Fatalf("archive: %v", err)
		}
		t.Cleanup(func() { _ = a.Close() })
	}
	return NewWorker(WorkerConfig{QueueCapacity: 1}, p, a, clock.NewManual(time.UnixMilli(1_700_000_100_000)), nil), a
}

func TestWorkerArchivesAndRemoves(t *testing.T) {
	w, a := newWorker(t, `"archive"`, true)
	r := retired(t, "outbound", 3)
	if got := w.process(context.Background(), r); got != ActionArchive {
		t.Fatalf("action %s", got)
	}
	if _, err := os.Stat(r.Path); !os.IsNotExist(err) {
		t.Fatalf("log file not removed: %v", err)
	}
	e, err := a.Get(1)
	if err != nil || e.Frames != 3 {
		t.Fatalf("archive entry %+v err %v", e, err)
	}
	if s := w.Stats(); s.Archived != 1 || s.Deleted != 0 {
		t.Fatalf("stats %+v", s)
	}
}

func TestWorkerKeepAndArchiveFallback(t *testing.T) {
	w, _ := newWorker(t, `"keep"`, false)
	r := retired(t, "outbound", 1)
	w.process(context.Background(), r)
	if _, err := os.Stat(r.Path); err != nil {
		t.Fatalf("kept log missing: %v", err)
	}

	w, _ = newWorker(t, `"archive"`, false)
	if got := w.process(context.Background(), r); got != ActionDelete {
		t.Fatalf("archive without store must delete, got %s", got)
	}
	if _, err := os.Stat(r.Path); !os.IsNotExist(err) {
		t.Fatalf("log not deleted")
	}
}

func TestWorkerRetireNeverBlocks(t *testing.T) {
	w, _ := newWorker(t, "", false)
	first := retired(t, "outbound", 1)
	second := retired(t, "outbound", 1)
	w.Retire(first)
	w.Retire(second) // queue holds one; this one is deleted inline
	if _, err := os.Stat(second.Path); !os.IsNotExist(err) {
		t.Fatalf("overflow log not deleted inline")
	}
	if _, err := os.Stat(first.Path); err != nil {
		t.Fatalf("queued log touched early: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(first.Path); !os.IsNotExist(err) {
		t.Fatalf("queued log not drained on shutdown")
	}
	if s := w.Stats(); s.Deleted != 2 {
		t.Fatalf("stats %+v", s)
	}
}
