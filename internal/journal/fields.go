package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// IdentifierSet is an unordered set of string identifiers (tags, sharing lists, field names).
// The zero value is an empty set ready for use.
type IdentifierSet struct {
	members map[string]struct{}
}

// NewIdentifierSet builds a set from the provided values, ignoring blanks and duplicates.
func NewIdentifierSet(values ...string) IdentifierSet {
	set := IdentifierSet{}
	for _, value := range values {
		set.Add(value)
	}
	return set
}

// Add inserts a trimmed, non-empty identifier.
func (s *IdentifierSet) Add(value string) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return
	}
	if s.members == nil {
		s.members = make(map[string]struct{})
	}
	s.members[trimmed] = struct{}{}
}

// Remove deletes an identifier if present.
func (s *IdentifierSet) Remove(value string) {
	delete(s.members, strings.TrimSpace(value))
}

// Contains reports membership.
func (s IdentifierSet) Contains(value string) bool {
	_, ok := s.members[strings.TrimSpace(value)]
	return ok
}

// Len returns the number of members.
func (s IdentifierSet) Len() int {
	return len(s.members)
}

// Values returns the members in sorted order.
func (s IdentifierSet) Values() []string {
	values := make([]string, 0, len(s.members))
	for member := range s.members {
		values = append(values, member)
	}
	sort.Strings(values)
	return values
}

// Clone returns an independent copy of the set.
func (s IdentifierSet) Clone() IdentifierSet {
	return NewIdentifierSet(s.Values()...)
}

// Equal reports whether both sets hold exactly the same members.
func (s IdentifierSet) Equal(other IdentifierSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for member := range s.members {
		if !other.Contains(member) {
			return false
		}
	}
	return true
}

// Intersects reports whether the sets share at least one member.
func (s IdentifierSet) Intersects(other IdentifierSet) bool {
	for member := range s.members {
		if other.Contains(member) {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s IdentifierSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

// UnmarshalJSON decodes a JSON array (or null) into the set.
func (s *IdentifierSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewIdentifierSet(values...)
	return nil
}

// Field names used in conflict reports and field-wise merges.
const (
	FieldEntryType   = "entry_type"
	FieldTitle       = "title"
	FieldContent     = "content"
	FieldTags        = "tags"
	FieldSharedWith  = "shared_with"
	FieldEventAt     = "timestamp"
	FieldIsDeleted   = "is_deleted"
	FieldMoodScore   = "mood_score"
	FieldStressLevel = "stress_level"
	FieldEnergyLevel = "energy_level"
)

var (
	contentFieldNames = []string{FieldEntryType, FieldTitle, FieldContent, FieldTags, FieldSharedWith, FieldEventAt, FieldIsDeleted}
	metricFieldNames  = []string{FieldMoodScore, FieldStressLevel, FieldEnergyLevel}
)

// ContentFields returns the set of device-authored content field names.
func ContentFields() IdentifierSet {
	return NewIdentifierSet(contentFieldNames...)
}

// MetricFields returns the set of metric field names that always follow the version protocol.
func MetricFields() IdentifierSet {
	return NewIdentifierSet(metricFieldNames...)
}

// EntryFields is the comparable projection of an entry's content and metric fields.
type EntryFields struct {
	EntryType   EntryType     `json:"entry_type"`
	Title       string        `json:"title"`
	Content     string        `json:"content"`
	Tags        IdentifierSet `json:"tags"`
	SharedWith  IdentifierSet `json:"shared_with"`
	EventAt     time.Time     `json:"timestamp"`
	IsDeleted   bool          `json:"is_deleted"`
	MoodScore   *int          `json:"mood_score,omitempty"`
	StressLevel *int          `json:"stress_level,omitempty"`
	EnergyLevel *int          `json:"energy_level,omitempty"`
}

// DiffFields returns the names of the fields whose values differ between a and b.
func DiffFields(a, b EntryFields) IdentifierSet {
	changed := IdentifierSet{}
	if a.EntryType != b.EntryType {
		changed.Add(FieldEntryType)
	}
	if a.Title != b.Title {
		changed.Add(FieldTitle)
	}
	if a.Content != b.Content {
		changed.Add(FieldContent)
	}
	if !a.Tags.Equal(b.Tags) {
		changed.Add(FieldTags)
	}
	if !a.SharedWith.Equal(b.SharedWith) {
		changed.Add(FieldSharedWith)
	}
	if a.EventAt.UnixMilli() != b.EventAt.UnixMilli() {
		changed.Add(FieldEventAt)
	}
	if a.IsDeleted != b.IsDeleted {
		changed.Add(FieldIsDeleted)
	}
	if !equalInt(a.MoodScore, b.MoodScore) {
		changed.Add(FieldMoodScore)
	}
	if !equalInt(a.StressLevel, b.StressLevel) {
		changed.Add(FieldStressLevel)
	}
	if !equalInt(a.EnergyLevel, b.EnergyLevel) {
		changed.Add(FieldEnergyLevel)
	}
	return changed
}

// OverlayFields returns dst with every field named in names copied from src.
func OverlayFields(dst, src EntryFields, names IdentifierSet) EntryFields {
	result := dst
	result.Tags = dst.Tags.Clone()
	result.SharedWith = dst.SharedWith.Clone()
	for _, name := range names.Values() {
		switch name {
		case FieldEntryType:
			result.EntryType = src.EntryType
		case FieldTitle:
			result.Title = src.Title
		case FieldContent:
			result.Content = src.Content
		case FieldTags:
			result.Tags = src.Tags.Clone()
		case FieldSharedWith:
			result.SharedWith = src.SharedWith.Clone()
		case FieldEventAt:
			result.EventAt = src.EventAt
		case FieldIsDeleted:
			result.IsDeleted = src.IsDeleted
		case FieldMoodScore:
			result.MoodScore = copyInt(src.MoodScore)
		case FieldStressLevel:
			result.StressLevel = copyInt(src.StressLevel)
		case FieldEnergyLevel:
			result.EnergyLevel = copyInt(src.EnergyLevel)
		}
	}
	return result
}

// ContentHash returns a stable sha256 digest of the field projection.
func ContentHash(fields EntryFields) string {
	canonical := struct {
		EntryType   EntryType `json:"t"`
		Title       string    `json:"ti"`
		Content     string    `json:"c"`
		Tags        []string  `json:"g"`
		SharedWith  []string  `json:"s"`
		EventAtMs   int64     `json:"e"`
		IsDeleted   bool      `json:"d"`
		MoodScore   *int      `json:"m"`
		StressLevel *int      `json:"st"`
		EnergyLevel *int      `json:"en"`
	}{
		EntryType:   fields.EntryType,
		Title:       fields.Title,
		Content:     fields.Content,
		Tags:        fields.Tags.Values(),
		SharedWith:  fields.SharedWith.Values(),
		EventAtMs:   fields.EventAt.UnixMilli(),
		IsDeleted:   fields.IsDeleted,
		MoodScore:   fields.MoodScore,
		StressLevel: fields.StressLevel,
		EnergyLevel: fields.EnergyLevel,
	}
	encoded, _ := json.Marshal(canonical)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func encodeFieldsSnapshot(fields EntryFields) (string, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeFieldsSnapshot(snapshot string) (EntryFields, error) {
	var fields EntryFields
	if err := json.Unmarshal([]byte(snapshot), &fields); err != nil {
		return EntryFields{}, err
	}
	return fields, nil
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
