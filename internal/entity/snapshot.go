package entity

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Snapshot is a plain serializable dump of a tracked entity at the moment a
// lifecycle method fired. It crosses the synchronous/asynchronous boundary,
// so it must never hold live host objects.
type Snapshot map[string]any

// derivedFields are bookkeeping values injected for payload builders at
// dispatch time. They are not part of the entity serialization the host's
// service layer accepts as input, so they are stripped again before any
// callback runs.
var derivedFields = []string{
	"is_published",
	"is_draft",
	"is_deleted",
	"parent",
	"latest_version_index",
	"latest_version_id",
	"current_version_index",
}

// ID returns the entity identifier, if present.
func (s Snapshot) ID() string {
	return s.GetString("id")
}

// JSON returns the snapshot marshaled as JSON. Marshal failures cannot occur
// for snapshots built from decoded JSON values; a nil slice is returned for
// anything unmarshalable.
func (s Snapshot) JSON() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return b
}

// GetString resolves a dotted gjson path (e.g. "access.record" or
// "custom_fields.kcr:last_sync") against the snapshot.
func (s Snapshot) GetString(path string) string {
	if s == nil {
		return ""
	}
	return gjson.GetBytes(s.JSON(), path).String()
}

// GetTime resolves a dotted path and parses the value as an RFC3339 instant.
// The second return is false when the field is absent or unparsable.
func (s Snapshot) GetTime(path string) (time.Time, bool) {
	raw := s.GetString(path)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	var out Snapshot
	if err := json.Unmarshal(s.JSON(), &out); err != nil {
		return nil
	}
	return out
}

// WithDerived returns a copy of the snapshot with the given derived
// publication/version flags merged in.
func (s Snapshot) WithDerived(derived map[string]any) Snapshot {
	out := s.Clone()
	if out == nil {
		out = Snapshot{}
	}
	for k, v := range derived {
		out[k] = v
	}
	return out
}

// ExtractDerived splits the well-known derived publication/version flags out
// of an extra-fields map, returning the derived flags and the remaining
// extra fields as separate maps. The input map is not modified.
func ExtractDerived(extra map[string]any) (derived, rest map[string]any) {
	derived = map[string]any{}
	rest = map[string]any{}
	for k, v := range extra {
		rest[k] = v
	}
	for _, k := range derivedFields {
		if v, ok := rest[k]; ok {
			derived[k] = v
			delete(rest, k)
		}
	}
	return derived, rest
}

// StripDerived returns a copy of the snapshot with all injected bookkeeping
// fields removed.
func (s Snapshot) StripDerived() Snapshot {
	if s == nil {
		return nil
	}
	out := s.Clone()
	for _, k := range derivedFields {
		delete(out, k)
	}
	return out
}
