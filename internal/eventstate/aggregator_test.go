package eventstate

import (
	"context"
	"testing"
	"time"

	"racecaster/internal/xmlmodel"
)

func runAggregator(t *testing.T) (*Aggregator, context.CancelFunc) {
	t.Helper()
	agg := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go agg.Run(ctx)
	return agg, cancel
}

func TestVersionIncrementsByOnePerAppliedRecord(t *testing.T) {
	agg, cancel := runAggregator(t)
	defer cancel()

	t1 := "10:30:00"
	agg.Submit(context.Background(), xmlmodel.TimeOfDay{Time: &t1})
	waitVersion(t, agg, 1)

	t2 := "10:30:01"
	agg.Submit(context.Background(), xmlmodel.TimeOfDay{Time: &t2})
	waitVersion(t, agg, 2)
}

func TestOnCourseThenResultsSetsCurrentRaceID(t *testing.T) {
	agg, cancel := runAggregator(t)
	defer cancel()

	agg.Submit(context.Background(), xmlmodel.OnCourse{Competitors: []xmlmodel.OnCourseCompetitor{{Bib: "9"}, {Bib: "10"}}})
	waitVersion(t, agg, 1)

	agg.Submit(context.Background(), xmlmodel.Results{RaceID: "K1M_ST_BR2_6", IsCurrent: true})
	waitVersion(t, agg, 2)

	snap := agg.Snapshot()
	if len(snap.OnCourse) != 2 {
		t.Fatalf("got %d on-course competitors, want 2", len(snap.OnCourse))
	}
	if snap.Results == nil || snap.Results.RaceID != "K1M_ST_BR2_6" {
		t.Fatalf("unexpected results: %+v", snap.Results)
	}
	if snap.CurrentRaceID == nil || *snap.CurrentRaceID != "K1M_ST_BR2_6" {
		t.Fatalf("unexpected currentRaceId: %v", snap.CurrentRaceID)
	}
}

func TestOnCourseReplacementIdempotentExceptVersion(t *testing.T) {
	agg, cancel := runAggregator(t)
	defer cancel()

	rec := xmlmodel.OnCourse{Competitors: []xmlmodel.OnCourseCompetitor{{Bib: "9"}}}
	agg.Submit(context.Background(), rec)
	waitVersion(t, agg, 1)
	first := agg.Snapshot()

	agg.Submit(context.Background(), rec)
	waitVersion(t, agg, 2)
	second := agg.Snapshot()

	if len(first.OnCourse) != len(second.OnCourse) || first.OnCourse[0].Bib != second.OnCourse[0].Bib {
		t.Fatalf("snapshots differ beyond version: %+v vs %+v", first, second)
	}
	if second.Version != first.Version+1 {
		t.Fatalf("expected version to advance by 1, got %d -> %d", first.Version, second.Version)
	}
}

func TestEmptyOnCourseClearsListWithoutTouchingResults(t *testing.T) {
	agg, cancel := runAggregator(t)
	defer cancel()

	agg.Submit(context.Background(), xmlmodel.Results{RaceID: "R1"})
	waitVersion(t, agg, 1)
	agg.Submit(context.Background(), xmlmodel.OnCourse{Competitors: []xmlmodel.OnCourseCompetitor{{Bib: "1"}}})
	waitVersion(t, agg, 2)
	agg.Submit(context.Background(), xmlmodel.OnCourse{Competitors: nil})
	waitVersion(t, agg, 3)

	snap := agg.Snapshot()
	if len(snap.OnCourse) != 0 {
		t.Fatalf("expected cleared on-course list, got %v", snap.OnCourse)
	}
	if snap.Results == nil || snap.Results.RaceID != "R1" {
		t.Fatalf("results should be untouched, got %+v", snap.Results)
	}
}

func waitVersion(t *testing.T, agg *Aggregator, want uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if agg.Snapshot().Version == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for version %d, got %d", want, agg.Snapshot().Version)
}
