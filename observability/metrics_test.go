package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRewarddMetricsRecordsLabels(t *testing.T) {
	m := Rewardd()
	if Rewardd() != m {
		t.Fatalf("registry should be a singleton")
	}

	before := testutil.ToFloat64(m.submissions.WithLabelValues("accepted"))
	m.RecordSubmission(" Accepted ")
	if got := testutil.ToFloat64(m.submissions.WithLabelValues("accepted")); got != before+1 {
		t.Fatalf("expected accepted counter to grow by one, got %v -> %v", before, got)
	}

	m.RecordError("")
	if got := testutil.ToFloat64(m.errors.WithLabelValues("unspecified")); got < 1 {
		t.Fatalf("blank reason should map to unspecified")
	}

	issued := testutil.ToFloat64(m.issuedTokens.WithLabelValues("new"))
	m.RecordIssued("NEW", 50)
	m.RecordIssued("NEW", 0)
	if got := testutil.ToFloat64(m.issuedTokens.WithLabelValues("new")); got != issued+50 {
		t.Fatalf("unexpected issued total %v", got)
	}

	m.SetHalted(true)
	if got := testutil.ToFloat64(m.halted); got != 1 {
		t.Fatalf("halted gauge = %v", got)
	}
	m.SetHalted(false)
	if got := testutil.ToFloat64(m.halted); got != 0 {
		t.Fatalf("halted gauge = %v", got)
	}

	m.SetBacklog(3)
	if got := testutil.ToFloat64(m.backlog); got != 3 {
		t.Fatalf("backlog gauge = %v", got)
	}
	m.ObserveLatency("distributor", 20*time.Millisecond)
}

func TestNilRewarddMetricsIsNoop(t *testing.T) {
	var m *RewarddMetrics
	m.RecordSubmission("accepted")
	m.RecordChainAttempt("transient")
	m.RecordIssued("new", 1)
	m.RecordError("x")
	m.ObserveLatency("x", time.Second)
	m.SetHalted(true)
	m.SetBacklog(1)
	m.RecordReconciliation("confirmed")
}
