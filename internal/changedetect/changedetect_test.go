package changedetect

import "testing"

const docV1 = `<Canoe123Data>
<Participants><Participant Bib="1"/></Participants>
<Schedule><Race RaceId="K1M_BR1"/></Schedule>
<Results RaceId="K1M_BR1"><Row Bib="1" Total="90.00"/></Results>
<Classes><Class Id="K1M"/></Classes>
</Canoe123Data>`

const docV2ResultsChanged = `<Canoe123Data>
<Participants><Participant Bib="1"/></Participants>
<Schedule><Race RaceId="K1M_BR1"/></Schedule>
<Results RaceId="K1M_BR1"><Row Bib="1" Total="89.50"/></Results>
<Classes><Class Id="K1M"/></Classes>
</Canoe123Data>`

func TestFirstDetectReportsEverySectionPresent(t *testing.T) {
	d := New()
	change, changed := d.Detect([]byte(docV1))
	if !changed {
		t.Fatal("expected a change on first detection")
	}
	if len(change.Sections) != 4 {
		t.Fatalf("got %d changed sections, want 4: %v", len(change.Sections), change.Sections)
	}
}

func TestOnlyResultsSectionReportedOnResultsEdit(t *testing.T) {
	d := New()
	_, _ = d.Detect([]byte(docV1))

	change, changed := d.Detect([]byte(docV2ResultsChanged))
	if !changed {
		t.Fatal("expected a change after editing Results")
	}
	if len(change.Sections) != 1 || change.Sections[0] != "Results" {
		t.Fatalf("got sections %v, want [Results]", change.Sections)
	}
}

func TestNoChangeOnIdenticalDocument(t *testing.T) {
	d := New()
	_, _ = d.Detect([]byte(docV1))

	_, changed := d.Detect([]byte(docV1))
	if changed {
		t.Fatal("expected no change on identical re-detection")
	}
}

func TestChecksumDiffersWhenContentDiffers(t *testing.T) {
	d1, d2 := New(), New()
	c1, _ := d1.Detect([]byte(docV1))
	c2, _ := d2.Detect([]byte(docV2ResultsChanged))
	if c1.Checksum == c2.Checksum {
		t.Fatal("expected different checksums for different documents")
	}
}
