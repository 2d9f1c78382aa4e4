package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rzbill/ipcd/internal/clock"
	"github.com/rzbill/ipcd/internal/counters"
)

func TestCountersCollector(t *testing.T) {
	store := counters.NewInMemory(16)
	a := counters.NewAllocator(store, nil, 0)
	sys, err := counters.NewSystemCounters(a)
	if err != nil {
		t.Fatalf("system counters: %v", err)
	}
	now := time.UnixMilli(1_700_000_000_000)
	sys.Get(counters.DriverHeartbeat).Set(now.UnixMilli())
	id, err := a.Allocate(counters.PublisherLimitTypeID, 42, 1, 2, "ipc", "")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	counters.NewPosition(store, id).Set(4096)

	c := NewCountersCollector(store, clock.NewManual(now), time.Second)
	want := `
# HELP ipcd_driver_up 1 when the driver heartbeat is within the driver timeout.
# TYPE ipcd_driver_up gauge
ipcd_driver_up 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "ipcd_driver_up"); err != nil {
		t.Fatalf("driver up: %v", err)
	}
	if n := testutil.CollectAndCount(c, "ipcd_counter_value"); n != a.Allocated() {
		t.Fatalf("counter series %d", n)
	}
}

func TestRegistryGathers(t *testing.T) {
	store := counters.NewInMemory(4)
	r, err := NewRegistry(store, nil, time.Second)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	r.Storage.ObserveBatchCommit(time.Millisecond, 128)
	r.HTTP.Record("GET", "/v1/counters", 200, time.Millisecond)
	if got := testutil.ToFloat64(r.Storage.commitBytes); got != 128 {
		t.Fatalf("commit bytes %v", got)
	}
	families, err := r.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, n := range []string{"ipcd_driver_up", "ipcd_http_requests_total", "ipcd_archive_commit_bytes_total"} {
		if !names[n] {
			t.Fatalf("missing %s", n)
		}
	}
}
