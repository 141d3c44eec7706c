// Package changedetect hashes the four top-level sections of the
// shared XML database file and reports which ones changed since the
// last detection pass.
package changedetect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// SectionNames are the four top-level groupings whose change is
// observed, in the fixed order their combined checksum is built from.
var SectionNames = []string{"Participants", "Schedule", "Results", "Classes"}

// Change is one detection outcome.
type Change struct {
	Sections []string
	Checksum string
}

// Detector tracks the last-seen hash of each section across calls.
type Detector struct {
	mu     sync.Mutex
	hashes map[string]string
}

// New returns a Detector with no prior state; the first Detect call
// against any document reports all four sections as changed, whether
// or not they are present in it.
func New() *Detector {
	return &Detector{hashes: make(map[string]string)}
}

// Detect hashes each section of doc and compares it against the
// previous call. Returns the set of sections whose hash differs (every
// section on the very first call) and whether anything changed at all.
func (d *Detector) Detect(doc []byte) (Change, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	combined := sha256.New()
	var changed []string

	for _, name := range SectionNames {
		section := extractSection(doc, name)
		hash := hashSection(section)
		combined.Write([]byte(hash))

		prev, known := d.hashes[name]
		if !known || prev != hash {
			changed = append(changed, name)
		}
		d.hashes[name] = hash
	}

	if len(changed) == 0 {
		return Change{}, false
	}
	return Change{Sections: changed, Checksum: hex.EncodeToString(combined.Sum(nil))}, true
}

func hashSection(section []byte) string {
	sum := sha256.Sum256(section)
	return hex.EncodeToString(sum[:])
}

// extractSection returns the substring spanning a section's opening
// and closing tags (inclusive), or nil if the section is absent.
func extractSection(doc []byte, name string) []byte {
	startTag := []byte("<" + name)
	endTag := []byte("</" + name + ">")

	startIdx := bytes.Index(doc, startTag)
	if startIdx < 0 {
		return nil
	}
	endIdx := bytes.Index(doc[startIdx:], endTag)
	if endIdx < 0 {
		return nil
	}
	endIdx += startIdx + len(endTag)
	return doc[startIdx:endIdx]
}
