// Package clientconfig defines the persistent per-subscriber display
// configuration and its field-wise merge semantics.
package clientconfig

import (
	"encoding/json"
	"time"
)

// LayoutType selects a scoreboard's display layout.
type LayoutType string

const (
	LayoutVertical LayoutType = "vertical"
	LayoutLedwall  LayoutType = "ledwall"
)

// Assets are optional branding images a scoreboard may render.
type Assets struct {
	LogoURL         *string `json:"logoUrl,omitempty"`
	PartnerLogoURL  *string `json:"partnerLogoUrl,omitempty"`
	FooterImageURL  *string `json:"footerImageUrl,omitempty"`
}

// Config is one client's persisted configuration. Every field is a
// pointer (or nil map) so that "not set" is distinguishable from a
// zero value — only non-nil fields are ever pushed to a subscriber.
type Config struct {
	LayoutType      *LayoutType            `json:"layoutType,omitempty"`
	DisplayRows     *int                   `json:"displayRows,omitempty"`
	CustomTitle     *string                `json:"customTitle,omitempty"`
	RaceFilter      *[]string              `json:"raceFilter,omitempty"`
	ShowOnCourse    *bool                  `json:"showOnCourse,omitempty"`
	ShowResults     *bool                  `json:"showResults,omitempty"`
	Label           *string                `json:"label,omitempty"`
	LastSeen        *time.Time             `json:"lastSeen,omitempty"`
	DurableClientID *string                `json:"durableClientId,omitempty"`
	CustomParams    map[string]interface{} `json:"customParams,omitempty"`
	Assets          *Assets                `json:"assets,omitempty"`
}

// Patch is a raw partial update as received from the control plane.
// A key present with JSON value `null` clears that field; a key
// absent leaves the existing value untouched.
type Patch map[string]json.RawMessage

var nullPatch = json.RawMessage("null")

func isNull(raw json.RawMessage) bool {
	return len(raw) == 4 && string(raw) == string(nullPatch)
}

// Merge applies patch on top of existing, field by field. customParams
// merges by sub-key (same absent/null rule applies per sub-key).
func Merge(existing Config, patch Patch) (Config, error) {
	result := existing

	apply := func(key string, clear func(), set func(raw json.RawMessage) error) error {
		raw, present := patch[key]
		if !present {
			return nil
		}
		if isNull(raw) {
			clear()
			return nil
		}
		return set(raw)
	}

	if err := apply("layoutType", func() { result.LayoutType = nil }, func(raw json.RawMessage) error {
		var v LayoutType
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		result.LayoutType = &v
		return nil
	}); err != nil {
		return existing, err
	}

	if err := apply("displayRows", func() { result.DisplayRows = nil }, func(raw json.RawMessage) error {
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		result.DisplayRows = &v
		return nil
	}); err != nil {
		return existing, err
	}

	if err := apply("customTitle", func() { result.CustomTitle = nil }, func(raw json.RawMessage) error {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		result.CustomTitle = &v
		return nil
	}); err != nil {
		return existing, err
	}

	if err := apply("raceFilter", func() { result.RaceFilter = nil }, func(raw json.RawMessage) error {
		var v []string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		result.RaceFilter = &v
		return nil
	}); err != nil {
		return existing, err
	}

	if err := apply("showOnCourse", func() { result.ShowOnCourse = nil }, func(raw json.RawMessage) error {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		result.ShowOnCourse = &v
		return nil
	}); err != nil {
		return existing, err
	}

	if err := apply("showResults", func() { result.ShowResults = nil }, func(raw json.RawMessage) error {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		result.ShowResults = &v
		return nil
	}); err != nil {
		return existing, err
	}

	if err := apply("label", func() { result.Label = nil }, func(raw json.RawMessage) error {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		result.Label = &v
		return nil
	}); err != nil {
		return existing, err
	}

	if err := apply("durableClientId", func() { result.DurableClientID = nil }, func(raw json.RawMessage) error {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		result.DurableClientID = &v
		return nil
	}); err != nil {
		return existing, err
	}

	if err := apply("assets", func() { result.Assets = nil }, func(raw json.RawMessage) error {
		var v Assets
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		result.Assets = &v
		return nil
	}); err != nil {
		return existing, err
	}

	if raw, present := patch["customParams"]; present {
		if isNull(raw) {
			result.CustomParams = nil
		} else {
			var sub map[string]json.RawMessage
			if err := json.Unmarshal(raw, &sub); err != nil {
				return existing, err
			}
			merged := make(map[string]interface{}, len(result.CustomParams))
			for k, v := range result.CustomParams {
				merged[k] = v
			}
			for k, v := range sub {
				if isNull(v) {
					delete(merged, k)
					continue
				}
				var val interface{}
				if err := json.Unmarshal(v, &val); err != nil {
					return existing, err
				}
				merged[k] = val
			}
			result.CustomParams = merged
		}
	}

	return result, nil
}

// ToPushData flattens cfg into the subset of keys a ConfigPush
// envelope carries: only fields with a non-nil value (invariant 8).
func ToPushData(cfg Config) map[string]interface{} {
	out := make(map[string]interface{})
	if cfg.LayoutType != nil {
		out["layoutType"] = *cfg.LayoutType
	}
	if cfg.DisplayRows != nil {
		out["displayRows"] = *cfg.DisplayRows
	}
	if cfg.CustomTitle != nil {
		out["customTitle"] = *cfg.CustomTitle
	}
	if cfg.RaceFilter != nil {
		out["raceFilter"] = *cfg.RaceFilter
	}
	if cfg.ShowOnCourse != nil {
		out["showOnCourse"] = *cfg.ShowOnCourse
	}
	if cfg.ShowResults != nil {
		out["showResults"] = *cfg.ShowResults
	}
	if cfg.Label != nil {
		out["label"] = *cfg.Label
	}
	if cfg.DurableClientID != nil {
		out["durableClientId"] = *cfg.DurableClientID
	}
	if len(cfg.CustomParams) > 0 {
		out["customParams"] = cfg.CustomParams
	}
	if cfg.Assets != nil {
		out["assets"] = *cfg.Assets
	}
	return out
}

// IsEmpty reports whether cfg carries no display-relevant field at all.
func IsEmpty(cfg Config) bool {
	return len(ToPushData(cfg)) == 0
}
