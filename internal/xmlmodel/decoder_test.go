package xmlmodel

import "testing"

func TestDecodeTimeOfDay(t *testing.T) {
	records, errs := Decode([]byte(`<Canoe123 System="Main"><TimeOfDay>10:30:00</TimeOfDay></Canoe123>`))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	tod, ok := records[0].(TimeOfDay)
	if !ok {
		t.Fatalf("got %T, want TimeOfDay", records[0])
	}
	if tod.Time == nil || *tod.Time != "10:30:00" {
		t.Fatalf("got %v, want 10:30:00", tod.Time)
	}
}

func TestDecodeEmptyTimeOfDayIsNull(t *testing.T) {
	records, _ := Decode([]byte(`<Canoe123><TimeOfDay></TimeOfDay></Canoe123>`))
	tod := records[0].(TimeOfDay)
	if tod.Time != nil {
		t.Fatalf("expected nil time, got %v", *tod.Time)
	}
}

func TestDecodeOnCourseMergesMultipleChildren(t *testing.T) {
	doc := `<Canoe123>
		<OnCourse Position="2"><Participant Bib="10" Name="B" StartOrder="2"/><Result Type="T" Rank="0" Time="120.00" Total="120.00" Completed="N"/></OnCourse>
		<OnCourse Position="1"><Participant Bib="9" Name="A" StartOrder="1"/><Result Type="T" Rank="0" Time="110.00" Total="110.00" Completed="Y"/></OnCourse>
	</Canoe123>`
	records, errs := Decode([]byte(doc))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 merged OnCourse", len(records))
	}
	oc := records[0].(OnCourse)
	if len(oc.Competitors) != 2 {
		t.Fatalf("got %d competitors, want 2", len(oc.Competitors))
	}
	if oc.Competitors[0].Bib != "9" || oc.Competitors[1].Bib != "10" {
		t.Fatalf("competitors not ordered by Position: %+v", oc.Competitors)
	}
	if !oc.Competitors[0].Completed {
		t.Fatalf("expected first competitor completed=true")
	}
}

func TestDecodeResultsRankFallbackAndSort(t *testing.T) {
	doc := `<Canoe123>
		<Results RaceId="K1M_ST_BR2_6" ClassId="K1M" IsCurrent="Y" MainTitle="Main">
			<Row Number="2"><Participant Bib="20" StartOrder="2"/><Result Type="T" Time="90.00" Total="90.00"/></Row>
			<Row Number="1"><Participant Bib="10" StartOrder="1"/><Result Type="T" Rank="1" Time="85.00" Total="85.00"/></Row>
		</Results>
	</Canoe123>`
	records, errs := Decode([]byte(doc))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	res := records[0].(Results)
	if !res.IsCurrent || res.RaceID != "K1M_ST_BR2_6" {
		t.Fatalf("unexpected results header: %+v", res)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(res.Rows))
	}
	if res.Rows[0].Bib != "10" {
		t.Fatalf("expected rank-1 row first, got %+v", res.Rows[0])
	}
	if res.Rows[1].Rank != 2 {
		t.Fatalf("expected fallback rank 2 from Row/@Number, got %d", res.Rows[1].Rank)
	}
}

func TestDecodeUnknownElementIsObservedNotDropped(t *testing.T) {
	records, errs := Decode([]byte(`<Canoe123><SomethingElse foo="bar"/></Canoe123>`))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	u, ok := records[0].(Unknown)
	if !ok || u.Element != "SomethingElse" {
		t.Fatalf("got %+v, want Unknown{SomethingElse}", records[0])
	}
}
