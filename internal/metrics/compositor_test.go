package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCommitCounters(t *testing.T) {
	display := "test-commit-display"
	defer DeleteDisplay(display)

	IncCommit(display, CommitOK)
	IncCommit(display, CommitOK)
	IncCommit(display, CommitRejected)

	if got := testutil.ToFloat64(commits.WithLabelValues(display, CommitOK)); got != 2 {
		t.Errorf("ok commits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(commits.WithLabelValues(display, CommitRejected)); got != 1 {
		t.Errorf("rejected commits = %v, want 1", got)
	}
}

func TestPlanesInUse(t *testing.T) {
	display := "test-planes-display"
	defer DeleteDisplay(display)

	SetPlanesInUse(display, 3)
	if got := testutil.ToFloat64(planesInUse.WithLabelValues(display)); got != 3 {
		t.Errorf("planes in use = %v, want 3", got)
	}
	SetPlanesInUse(display, 1)
	if got := testutil.ToFloat64(planesInUse.WithLabelValues(display)); got != 1 {
		t.Errorf("planes in use = %v, want 1", got)
	}
}

func TestDeleteDisplay(t *testing.T) {
	display := "test-delete-display"

	IncFlatten(display)
	IncFenceTimeout(display)
	if n := testutil.CollectAndCount(flattenRequests); n != 1 {
		t.Fatalf("flatten series = %d, want 1", n)
	}

	DeleteDisplay(display)

	if n := testutil.CollectAndCount(flattenRequests); n != 0 {
		t.Errorf("flatten series = %d after delete, want 0", n)
	}
	if n := testutil.CollectAndCount(fenceTimeouts); n != 0 {
		t.Errorf("fence timeout series = %d after delete, want 0", n)
	}
}

func TestTunableReloadResult(t *testing.T) {
	before := testutil.ToFloat64(tunableReloads.WithLabelValues("clamped"))
	IncTunableReload(false)
	if got := testutil.ToFloat64(tunableReloads.WithLabelValues("clamped")); got != before+1 {
		t.Errorf("clamped reloads = %v, want %v", got, before+1)
	}
}
