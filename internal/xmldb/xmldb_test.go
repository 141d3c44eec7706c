package xmldb

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleDoc = `<Canoe123Data MainTitle="World Cup" CompetitionCode="WC1">
  <Participants>
    <Participant Id="p1" ClassId="K1M" Bib="1" Name="Alice"/>
    <Participant Id="p2" ClassId="K1M" Bib="2" Name="Bob"/>
  </Participants>
  <Schedule>
    <Race RaceId="K1M_ST_BR1" RaceName="K1M Run 1" ClassId="K1M" StartTime="09:00:00"/>
    <Race RaceId="K1M_ST_BR2" RaceName="K1M Run 2" ClassId="K1M" StartTime="10:00:00"/>
    <Race RaceId="unassigned_1" RaceName="TBD" ClassId="" StartTime=""/>
  </Schedule>
  <Results RaceId="K1M_ST_BR1" ClassId="K1M" Run="BR1">
    <Row ParticipantId="p1" Bib="1" Rank="1" Total="90.00"/>
    <Row ParticipantId="p2" Bib="2" Rank="2" Total="95.50"/>
  </Results>
  <Results RaceId="K1M_ST_BR2" ClassId="K1M" Run="BR2">
    <Row ParticipantId="p1" Bib="1" Rank="1" Total="91.20"/>
    <Row ParticipantId="p2" Bib="2" Status="DNF" Total=""/>
  </Results>
</Canoe123Data>`

func newTestDB(t *testing.T) (*Database, string, *int, *int) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "event.xml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	hits, misses := 0, 0
	db := New(path, func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	})
	return db, path, &hits, &misses
}

func TestScheduleExcludesUnassigned(t *testing.T) {
	db, _, _, _ := newTestDB(t)
	schedule, err := db.Schedule()
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(schedule) != 2 {
		t.Fatalf("got %d schedule items, want 2 (unassigned excluded): %+v", len(schedule), schedule)
	}
}

func TestMergedResultsBestTotalNeverExceedsEitherRun(t *testing.T) {
	db, _, _, _ := newTestDB(t)
	merged, err := db.MergedResults("K1M")
	if err != nil {
		t.Fatalf("MergedResults: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("got %d rows, want 2", len(merged))
	}

	byID := map[string]MergedResultRow{}
	for _, row := range merged {
		byID[row.ParticipantID] = row
	}

	p1 := byID["p1"]
	if p1.BestTotal == nil || *p1.BestTotal != 90.00 {
		t.Fatalf("p1 bestTotal = %v, want 90.00", p1.BestTotal)
	}
	if p1.BestRank != 1 {
		t.Fatalf("p1 bestRank = %d, want 1", p1.BestRank)
	}

	p2 := byID["p2"]
	if p2.BestTotal == nil || *p2.BestTotal != 95.50 {
		t.Fatalf("p2 bestTotal = %v, want 95.50 (run2 undefined)", p2.BestTotal)
	}
	if p2.BestRank != 2 {
		t.Fatalf("p2 bestRank = %d, want 2", p2.BestRank)
	}
}

func TestCacheHitsOnUnchangedMtime(t *testing.T) {
	db, _, hits, misses := newTestDB(t)

	if _, err := db.Schedule(); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := db.Schedule(); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if *misses != 1 {
		t.Fatalf("got %d misses, want 1", *misses)
	}
	if *hits != 1 {
		t.Fatalf("got %d hits, want 1", *hits)
	}
}
