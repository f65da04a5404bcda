package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegionCounts(t *testing.T) {
	SetRegionCounts(3, 1, 2)
	if got := testutil.ToFloat64(regionsOwned); got != 3 {
		t.Fatalf("regionsOwned = %v, want 3", got)
	}
	if got := testutil.ToFloat64(regionsRequested); got != 1 {
		t.Fatalf("regionsRequested = %v, want 1", got)
	}
	if got := testutil.ToFloat64(regionsCached); got != 2 {
		t.Fatalf("regionsCached = %v, want 2", got)
	}
}

func TestInFlightGauge(t *testing.T) {
	before := testutil.ToFloat64(writesInFlight)
	IncInFlight()
	IncInFlight()
	DecInFlight()
	if got := testutil.ToFloat64(writesInFlight); got != before+1 {
		t.Fatalf("writesInFlight = %v, want %v", got, before+1)
	}
}

func TestChildIOErrorsPerMember(t *testing.T) {
	IncChildIOError("sdb")
	IncChildIOError("sdb")
	IncChildIOError("sdc")
	if got := testutil.ToFloat64(childIOErrors.WithLabelValues("sdb")); got != 2 {
		t.Fatalf("sdb errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(childIOErrors.WithLabelValues("sdc")); got != 1 {
		t.Fatalf("sdc errors = %v, want 1", got)
	}
}

func TestMemberSamplerStartStop(t *testing.T) {
	s := NewMemberSampler([]string{"sdb"}, time.Millisecond)
	go s.Run()
	time.Sleep(5 * time.Millisecond)
	s.Stop()
}
