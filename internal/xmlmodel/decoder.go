package xmlmodel

import (
	"bytes"
	"encoding/xml"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Decode is a stateless transformation from one raw frame to the
// records it contains. A single frame may hold multiple top-level
// elements (the engine batches); Decode yields one Record per element
// encountered, except that every top-level OnCourse element is merged
// into a single OnCourse record — the engine represents one on-course
// batch as repeated OnCourse siblings, each describing one competitor.
// Per-record decode failures are returned alongside whatever records
// did decode successfully, so one bad record never discards the rest
// of the frame.
func Decode(raw []byte) ([]Record, []error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var records []Record
	var errs []error
	var onCourse []OnCourseCompetitor

	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			errs = append(errs, err)
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth != 2 {
				continue
			}
			if t.Name.Local == "OnCourse" {
				c, decErr := decodeOnCourseCompetitor(dec, t)
				depth--
				if decErr != nil {
					errs = append(errs, decErr)
					continue
				}
				onCourse = append(onCourse, c)
				continue
			}

			rec, decErr := decodeChild(dec, t)
			depth--
			if decErr != nil {
				errs = append(errs, decErr)
				continue
			}
			if rec != nil {
				records = append(records, rec)
			}
		case xml.EndElement:
			depth--
		}
	}

	if len(onCourse) > 0 {
		sort.SliceStable(onCourse, func(i, j int) bool {
			return onCourse[i].Position < onCourse[j].Position
		})
		records = append(records, OnCourse{Competitors: onCourse})
	}

	return records, errs
}

func decodeChild(dec *xml.Decoder, start xml.StartElement) (Record, error) {
	switch start.Name.Local {
	case "TimeOfDay":
		return decodeTimeOfDay(dec, start)
	case "Results":
		return decodeResults(dec, start)
	case "RaceConfig":
		return decodeRaceConfig(dec, start)
	case "Schedule":
		return decodeSchedule(dec, start)
	default:
		if err := dec.Skip(); err != nil {
			return nil, err
		}
		return Unknown{Element: start.Name.Local}, nil
	}
}

type rawText struct {
	Text string `xml:",chardata"`
}

func decodeTimeOfDay(dec *xml.Decoder, start xml.StartElement) (Record, error) {
	var raw rawText
	if err := dec.DecodeElement(&raw, &start); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return TimeOfDay{}, nil
	}
	t := text
	return TimeOfDay{Time: &t}, nil
}

type rawParticipant struct {
	Bib        string `xml:"Bib,attr"`
	Name       string `xml:"Name,attr"`
	GivenName  string `xml:"GivenName,attr"`
	FamilyName string `xml:"FamilyName,attr"`
	Club       string `xml:"Club,attr"`
	Nat        string `xml:"Nat,attr"`
	RaceID     string `xml:"RaceId,attr"`
	RaceName   string `xml:"RaceName,attr"`
	StartOrder string `xml:"StartOrder,attr"`
}

type rawResult struct {
	Type      string `xml:"Type,attr"`
	Completed string `xml:"Completed,attr"`
	DtStart   string `xml:"DtStart,attr"`
	DtFinish  string `xml:"DtFinish,attr"`
	Pen       string `xml:"Pen,attr"`
	Time      string `xml:"Time,attr"`
	Total     string `xml:"Total,attr"`
	TtbDiff   string `xml:"TtbDiff,attr"`
	TtbName   string `xml:"TtbName,attr"`
	Rank      string `xml:"Rank,attr"`
	Gates     string `xml:"Gates,attr"`
	Behind    string `xml:"Behind,attr"`
	Status    string `xml:"Status,attr"`
}

type rawOnCourse struct {
	Position    string          `xml:"Position,attr"`
	Participant rawParticipant  `xml:"Participant"`
	Results     []rawResult     `xml:"Result"`
}

func decodeOnCourseCompetitor(dec *xml.Decoder, start xml.StartElement) (OnCourseCompetitor, error) {
	var raw rawOnCourse
	if err := dec.DecodeElement(&raw, &start); err != nil {
		return OnCourseCompetitor{}, err
	}

	timing := selectResultByType(raw.Results, "T")
	completed := anyCompleted(raw.Results)

	c := OnCourseCompetitor{
		Bib:        strings.TrimSpace(raw.Participant.Bib),
		Name:       strings.TrimSpace(raw.Participant.Name),
		Club:       strings.TrimSpace(raw.Participant.Club),
		Nat:        strings.TrimSpace(raw.Participant.Nat),
		RaceID:     strings.TrimSpace(raw.Participant.RaceID),
		RaceName:   strings.TrimSpace(raw.Participant.RaceName),
		StartOrder: coerceInt(raw.Participant.StartOrder),
		Completed:  completed,
		Position:   coerceInt(raw.Position),
	}

	if timing != nil {
		c.Gates = parseNullableGates(timing.Gates)
		c.DtStart = strings.TrimSpace(timing.DtStart)
		c.DtFinish = nullableString(timing.DtFinish)
		c.Pen = coerceInt(timing.Pen)
		c.Time = strings.TrimSpace(timing.Time)
		c.Total = strings.TrimSpace(timing.Total)
		c.TtbDiff = strings.TrimSpace(timing.TtbDiff)
		c.TtbName = strings.TrimSpace(timing.TtbName)
		c.Rank = coerceInt(timing.Rank)
	}

	return c, nil
}

type rawRow struct {
	Number      string         `xml:"Number,attr"`
	Participant rawParticipant `xml:"Participant"`
	Result      rawResult      `xml:"Result"`
}

type rawResultsDoc struct {
	RaceID    string   `xml:"RaceId,attr"`
	ClassID   string   `xml:"ClassId,attr"`
	IsCurrent string   `xml:"IsCurrent,attr"`
	MainTitle string   `xml:"MainTitle,attr"`
	SubTitle  string   `xml:"SubTitle,attr"`
	Rows      []rawRow `xml:"Row"`
}

func decodeResults(dec *xml.Decoder, start xml.StartElement) (Record, error) {
	var raw rawResultsDoc
	if err := dec.DecodeElement(&raw, &start); err != nil {
		return nil, err
	}

	rows := make([]ResultRow, 0, len(raw.Rows))
	for _, row := range raw.Rows {
		rank := coerceInt(row.Result.Rank)
		if row.Result.Rank == "" {
			// fallback rank equals Row/@Number when the result has no rank
			rank = coerceInt(row.Number)
		}
		rows = append(rows, ResultRow{
			Rank:       rank,
			Bib:        strings.TrimSpace(row.Participant.Bib),
			Name:       strings.TrimSpace(row.Participant.Name),
			GivenName:  strings.TrimSpace(row.Participant.GivenName),
			FamilyName: strings.TrimSpace(row.Participant.FamilyName),
			Club:       strings.TrimSpace(row.Participant.Club),
			Nat:        strings.TrimSpace(row.Participant.Nat),
			StartOrder: coerceInt(row.Participant.StartOrder),
			StartTime:  strings.TrimSpace(row.Result.DtStart),
			Gates:      strings.TrimSpace(row.Result.Gates),
			Pen:        coerceInt(row.Result.Pen),
			Time:       strings.TrimSpace(row.Result.Time),
			Total:      strings.TrimSpace(row.Result.Total),
			Behind:     strings.TrimSpace(row.Result.Behind),
			Status:     strings.TrimSpace(row.Result.Status),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := rows[i].Rank, rows[j].Rank
		if ri == 0 && rj != 0 {
			return false
		}
		if ri != 0 && rj == 0 {
			return true
		}
		if ri != rj {
			return ri < rj
		}
		return rows[i].StartOrder < rows[j].StartOrder
	})

	return Results{
		RaceID:    strings.TrimSpace(raw.RaceID),
		ClassID:   strings.TrimSpace(raw.ClassID),
		IsCurrent: coerceBool(raw.IsCurrent),
		MainTitle: strings.TrimSpace(raw.MainTitle),
		SubTitle:  strings.TrimSpace(raw.SubTitle),
		Rows:      rows,
	}, nil
}

type rawRaceConfig struct {
	NrSplits     string `xml:"NrSplits,attr"`
	NrGates      string `xml:"NrGates,attr"`
	GateConfig   string `xml:"GateConfig,attr"`
	GateCaptions string `xml:"GateCaptions,attr"`
}

func decodeRaceConfig(dec *xml.Decoder, start xml.StartElement) (Record, error) {
	var raw rawRaceConfig
	if err := dec.DecodeElement(&raw, &start); err != nil {
		return nil, err
	}

	var captions []string
	if strings.TrimSpace(raw.GateCaptions) != "" {
		for _, part := range strings.Split(raw.GateCaptions, ",") {
			captions = append(captions, strings.TrimSpace(part))
		}
	}

	return RaceConfig{
		NrSplits:     coerceInt(raw.NrSplits),
		NrGates:      coerceInt(raw.NrGates),
		GateConfig:   strings.TrimSpace(raw.GateConfig),
		GateCaptions: captions,
	}, nil
}

type rawRace struct {
	RaceID    string `xml:"RaceId,attr"`
	RaceName  string `xml:"RaceName,attr"`
	ClassID   string `xml:"ClassId,attr"`
	StartTime string `xml:"StartTime,attr"`
}

type rawSchedule struct {
	Races []rawRace `xml:"Race"`
}

func decodeSchedule(dec *xml.Decoder, start xml.StartElement) (Record, error) {
	var raw rawSchedule
	if err := dec.DecodeElement(&raw, &start); err != nil {
		return nil, err
	}

	races := make([]ScheduledRace, 0, len(raw.Races))
	for _, r := range raw.Races {
		races = append(races, ScheduledRace{
			RaceID:    strings.TrimSpace(r.RaceID),
			RaceName:  strings.TrimSpace(r.RaceName),
			ClassID:   strings.TrimSpace(r.ClassID),
			StartTime: strings.TrimSpace(r.StartTime),
		})
	}
	return Schedule{Races: races}, nil
}

func selectResultByType(results []rawResult, resultType string) *rawResult {
	for i := range results {
		if strings.EqualFold(results[i].Type, resultType) {
			return &results[i]
		}
	}
	return nil
}

func anyCompleted(results []rawResult) bool {
	for _, r := range results {
		if r.Completed != "" {
			return coerceBool(r.Completed)
		}
	}
	return false
}

func coerceBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "Y")
}

func coerceInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func nullableString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// parseNullableGates parses a CSV of small ints where empty entries mean
// "not yet recorded" (nil), per spec.md §3.1's "gates (CSV of nullable
// small ints)".
func parseNullableGates(csv string) []*int {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	gates := make([]*int, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			v := n
			gates[i] = &v
		}
	}
	return gates
}
