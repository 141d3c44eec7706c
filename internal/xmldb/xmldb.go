// Package xmldb is a cached, mtime-keyed view over the Timing Engine's
// shared XML database file, exposing the read-only projections the
// control plane consumes.
package xmldb

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const unassignedSentinel = "unassigned"

// Participant is a normalized entrant.
type Participant struct {
	ID         string `json:"id"`
	ClassID    string `json:"classId"`
	Bib        string `json:"bib"`
	Name       string `json:"name"`
	GivenName  string `json:"givenName"`
	FamilyName string `json:"familyName"`
	Club       string `json:"club"`
	Nat        string `json:"nat"`
}

// ScheduleItem is one scheduled race.
type ScheduleItem struct {
	RaceID    string `json:"raceId"`
	RaceName  string `json:"raceName"`
	ClassID   string `json:"classId"`
	StartTime string `json:"startTime"`
}

// RaceSummary joins a schedule item with derived counts.
type RaceSummary struct {
	ScheduleItem
	ParticipantCount int  `json:"participantCount"`
	HasResults       bool `json:"hasResults"`
}

// RaceDetail is race-level info plus the raceIds of sibling runs of the
// same race (e.g. the BR1 counterpart of a BR2 entry).
type RaceDetail struct {
	ScheduleItem
	SiblingRaceIDs []string `json:"siblingRaceIds"`
}

// StartlistEntry is one row of a race's start order.
type StartlistEntry struct {
	Bib        string `json:"bib"`
	Name       string `json:"name"`
	StartOrder int    `json:"startOrder"`
	StartTime  string `json:"startTime"`
}

// ResultEntry is one result row joined with its participant.
type ResultEntry struct {
	Rank        int         `json:"rank"` // 999 when absent
	Participant Participant `json:"participant"`
	Time        string      `json:"time"`
	Total       string      `json:"total"`
	Behind      string      `json:"behind"`
	Status      string      `json:"status"`
}

// MergedResultRow is one participant's combined two-run result.
type MergedResultRow struct {
	ParticipantID string   `json:"participantId"`
	Run1Total     *float64 `json:"run1Total"`
	Run2Total     *float64 `json:"run2Total"`
	BestTotal     *float64 `json:"bestTotal"`
	BestRank      int      `json:"bestRank"` // 0 when BestTotal is undefined
}

// CacheObserver is notified of every mtime check, so callers can feed a
// hit/miss counter without this package depending on metrics directly.
type CacheObserver func(hit bool)

type rawParticipant struct {
	ID         string `xml:"Id,attr"`
	ClassID    string `xml:"ClassId,attr"`
	Bib        string `xml:"Bib,attr"`
	Name       string `xml:"Name,attr"`
	GivenName  string `xml:"GivenName,attr"`
	FamilyName string `xml:"FamilyName,attr"`
	Club       string `xml:"Club,attr"`
	Nat        string `xml:"Nat,attr"`
}

type rawRace struct {
	RaceID    string `xml:"RaceId,attr"`
	RaceName  string `xml:"RaceName,attr"`
	ClassID   string `xml:"ClassId,attr"`
	StartTime string `xml:"StartTime,attr"`
}

type rawRow struct {
	ParticipantID string `xml:"ParticipantId,attr"`
	Bib           string `xml:"Bib,attr"`
	Rank          string `xml:"Rank,attr"`
	Time          string `xml:"Time,attr"`
	Total         string `xml:"Total,attr"`
	Behind        string `xml:"Behind,attr"`
	Status        string `xml:"Status,attr"`
}

type rawResultsSection struct {
	RaceID  string   `xml:"RaceId,attr"`
	ClassID string   `xml:"ClassId,attr"`
	Run     string   `xml:"Run,attr"`
	Rows    []rawRow `xml:"Row"`
}

type rawData struct {
	XMLName         xml.Name            `xml:"Canoe123Data"`
	MainTitle       string              `xml:"MainTitle,attr"`
	CompetitionCode string              `xml:"CompetitionCode,attr"`
	Participants    []rawParticipant    `xml:"Participants>Participant"`
	Races           []rawRace           `xml:"Schedule>Race"`
	ResultsSections []rawResultsSection `xml:"Results"`
}

// Database is a single mtime-keyed cache over one XML file. Safe for
// concurrent use; the whole mtime-check-plus-refresh cycle is protected
// by one lock, per spec.md §5.
type Database struct {
	path     string
	observer CacheObserver

	mu      sync.Mutex
	mtime   time.Time
	doc     *rawData
	loadErr error
	loaded  bool
}

// New constructs a Database reading path on demand.
func New(path string, observer CacheObserver) *Database {
	return &Database{path: path, observer: observer}
}

func (db *Database) ensureLoaded() (*rawData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	info, statErr := os.Stat(db.path)
	if statErr != nil {
		db.loaded, db.doc, db.loadErr = false, nil, statErr
		return nil, statErr
	}

	if db.loaded && info.ModTime().Equal(db.mtime) {
		db.observe(true)
		return db.doc, db.loadErr
	}
	db.observe(false)

	data, err := os.ReadFile(db.path)
	if err != nil {
		db.loaded, db.doc, db.loadErr = false, nil, err
		return nil, err
	}

	var doc rawData
	if err := xml.Unmarshal(data, &doc); err != nil {
		db.loaded, db.doc, db.loadErr = false, nil, err
		return nil, err
	}

	db.doc = &doc
	db.mtime = info.ModTime()
	db.loaded = true
	db.loadErr = nil
	return db.doc, nil
}

func (db *Database) observe(hit bool) {
	if db.observer != nil {
		db.observer(hit)
	}
}

// Status reports whether the database file is currently available,
// along with the event-level title and competition code when it is.
func (db *Database) Status() (mainTitle, competitionCode string, available bool) {
	doc, err := db.ensureLoaded()
	if err != nil {
		return "", "", false
	}
	return doc.MainTitle, doc.CompetitionCode, true
}

// Participants returns every participant, in file order.
func (db *Database) Participants() ([]Participant, error) {
	doc, err := db.ensureLoaded()
	if err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(doc.Participants))
	for _, p := range doc.Participants {
		out = append(out, toParticipant(p))
	}
	return out, nil
}

// Schedule returns every scheduled race whose raceId is not the
// "unassigned" sentinel.
func (db *Database) Schedule() ([]ScheduleItem, error) {
	doc, err := db.ensureLoaded()
	if err != nil {
		return nil, err
	}
	out := make([]ScheduleItem, 0, len(doc.Races))
	for _, r := range doc.Races {
		if strings.Contains(strings.ToLower(r.RaceID), unassignedSentinel) {
			continue
		}
		out = append(out, ScheduleItem{RaceID: r.RaceID, RaceName: r.RaceName, ClassID: r.ClassID, StartTime: r.StartTime})
	}
	return out, nil
}

// Races joins the schedule with participant counts and a hasResults flag.
func (db *Database) Races() ([]RaceSummary, error) {
	schedule, err := db.Schedule()
	if err != nil {
		return nil, err
	}
	doc, err := db.ensureLoaded()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, p := range doc.Participants {
		counts[p.ClassID]++
	}
	hasResults := make(map[string]bool)
	for _, rs := range doc.ResultsSections {
		hasResults[rs.RaceID] = true
	}

	out := make([]RaceSummary, 0, len(schedule))
	for _, s := range schedule {
		out = append(out, RaceSummary{
			ScheduleItem:     s,
			ParticipantCount: counts[s.ClassID],
			HasResults:       hasResults[s.RaceID],
		})
	}
	return out, nil
}

// RaceDetail returns race-level info plus the raceIds of sibling runs
// (e.g. the BR1 counterpart of a BR2 entry, grouped by raceId prefix).
func (db *Database) RaceDetail(raceID string) (RaceDetail, error) {
	schedule, err := db.Schedule()
	if err != nil {
		return RaceDetail{}, err
	}

	var target *ScheduleItem
	for i := range schedule {
		if schedule[i].RaceID == raceID {
			t := schedule[i]
			target = &t
			break
		}
	}
	if target == nil {
		return RaceDetail{}, fmt.Errorf("xmldb: race %q not found", raceID)
	}

	base := raceBase(raceID)
	var siblings []string
	for _, s := range schedule {
		if s.RaceID != raceID && raceBase(s.RaceID) == base {
			siblings = append(siblings, s.RaceID)
		}
	}
	return RaceDetail{ScheduleItem: *target, SiblingRaceIDs: siblings}, nil
}

// Startlist returns results order when the race already has results,
// else participants of the race's class sorted numerically by bib.
func (db *Database) Startlist(raceID string) ([]StartlistEntry, error) {
	doc, err := db.ensureLoaded()
	if err != nil {
		return nil, err
	}

	for _, rs := range doc.ResultsSections {
		if rs.RaceID != raceID {
			continue
		}
		out := make([]StartlistEntry, 0, len(rs.Rows))
		byID := participantsByID(doc.Participants)
		for i, row := range rs.Rows {
			p := byID[row.ParticipantID]
			out = append(out, StartlistEntry{Bib: row.Bib, Name: p.Name, StartOrder: i + 1})
		}
		return out, nil
	}

	var classID string
	for _, r := range doc.Races {
		if r.RaceID == raceID {
			classID = r.ClassID
			break
		}
	}

	var inClass []rawParticipant
	for _, p := range doc.Participants {
		if p.ClassID == classID {
			inClass = append(inClass, p)
		}
	}
	sort.SliceStable(inClass, func(i, j int) bool {
		return numericBib(inClass[i].Bib) < numericBib(inClass[j].Bib)
	})

	out := make([]StartlistEntry, 0, len(inClass))
	for i, p := range inClass {
		out = append(out, StartlistEntry{Bib: p.Bib, Name: p.Name, StartOrder: i + 1})
	}
	return out, nil
}

// ResultsWithParticipants returns one race's results sorted by rank
// ascending (999 for absent), joined with participant data.
func (db *Database) ResultsWithParticipants(raceID string) ([]ResultEntry, error) {
	doc, err := db.ensureLoaded()
	if err != nil {
		return nil, err
	}

	byID := participantsByID(doc.Participants)

	for _, rs := range doc.ResultsSections {
		if rs.RaceID != raceID {
			continue
		}
		out := make([]ResultEntry, 0, len(rs.Rows))
		for _, row := range rs.Rows {
			rank := 999
			if n, err := strconv.Atoi(strings.TrimSpace(row.Rank)); err == nil && n > 0 {
				rank = n
			}
			out = append(out, ResultEntry{
				Rank:        rank,
				Participant: toParticipant(byID[row.ParticipantID]),
				Time:        row.Time,
				Total:       row.Total,
				Behind:      row.Behind,
				Status:      row.Status,
			})
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
		return out, nil
	}
	return nil, fmt.Errorf("xmldb: no results for race %q", raceID)
}

// MergedResults left-outer-merges a class's BR1 and BR2 result sections
// by participant id: bestTotal is the min of whichever totals are
// defined, bestRank assigns ascending by bestTotal (ties by participant
// id), and participants with no defined total carry no rank.
func (db *Database) MergedResults(classID string) ([]MergedResultRow, error) {
	doc, err := db.ensureLoaded()
	if err != nil {
		return nil, err
	}

	run1 := make(map[string]float64)
	run2 := make(map[string]float64)
	seen := make(map[string]bool)
	var order []string

	record := func(rows []rawRow, dest map[string]float64) {
		for _, row := range rows {
			if !seen[row.ParticipantID] {
				seen[row.ParticipantID] = true
				order = append(order, row.ParticipantID)
			}
			total, err := strconv.ParseFloat(strings.TrimSpace(row.Total), 64)
			if err != nil {
				continue
			}
			dest[row.ParticipantID] = total
		}
	}

	for _, rs := range doc.ResultsSections {
		if rs.ClassID != classID {
			continue
		}
		switch strings.ToUpper(rs.Run) {
		case "BR1":
			record(rs.Rows, run1)
		case "BR2":
			record(rs.Rows, run2)
		}
	}

	merged := make([]MergedResultRow, 0, len(order))
	for _, pid := range order {
		row := MergedResultRow{ParticipantID: pid}
		if v, ok := run1[pid]; ok {
			t := v
			row.Run1Total = &t
		}
		if v, ok := run2[pid]; ok {
			t := v
			row.Run2Total = &t
		}
		switch {
		case row.Run1Total != nil && row.Run2Total != nil:
			best := *row.Run1Total
			if *row.Run2Total < best {
				best = *row.Run2Total
			}
			row.BestTotal = &best
		case row.Run1Total != nil:
			best := *row.Run1Total
			row.BestTotal = &best
		case row.Run2Total != nil:
			best := *row.Run2Total
			row.BestTotal = &best
		}
		merged = append(merged, row)
	}

	ranked := make([]int, 0, len(merged))
	for i := range merged {
		if merged[i].BestTotal != nil {
			ranked = append(ranked, i)
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		i, j := ranked[a], ranked[b]
		if *merged[i].BestTotal != *merged[j].BestTotal {
			return *merged[i].BestTotal < *merged[j].BestTotal
		}
		return merged[i].ParticipantID < merged[j].ParticipantID
	})
	for rank, idx := range ranked {
		merged[idx].BestRank = rank + 1
	}

	return merged, nil
}

func toParticipant(p rawParticipant) Participant {
	return Participant{
		ID:         p.ID,
		ClassID:    p.ClassID,
		Bib:        p.Bib,
		Name:       p.Name,
		GivenName:  p.GivenName,
		FamilyName: p.FamilyName,
		Club:       p.Club,
		Nat:        p.Nat,
	}
}

func participantsByID(participants []rawParticipant) map[string]rawParticipant {
	byID := make(map[string]rawParticipant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}
	return byID
}

func numericBib(bib string) int {
	n, err := strconv.Atoi(strings.TrimSpace(bib))
	if err != nil {
		return 0
	}
	return n
}

// raceBase strips a trailing run suffix so sibling runs of the same
// race group together.
func raceBase(raceID string) string {
	for _, suffix := range []string{"_BR1", "_BR2"} {
		if strings.HasSuffix(raceID, suffix) {
			return strings.TrimSuffix(raceID, suffix)
		}
	}
	return raceID
}
