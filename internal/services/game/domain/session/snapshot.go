package session

// Snapshot is the mutable per-session narrative state. It round-trips through
// a JSON column, so numeric values may come back as float64 and accessors
// coerce instead of type-asserting.
type Snapshot map[string]any

// Well-known snapshot keys. Sections under SectionRelationships and
// SectionFactions hold numeric scores; SectionFlags holds scalar values.
const (
	KeyScene            = "scene"
	KeyCharacterSummary = "character_summary"
	KeyAdventureSummary = "adventure_summary"

	SectionRelationships = "relationships"
	SectionFactions      = "factions"
	SectionFlags         = "flags"
)

// NewSnapshot returns an empty snapshot ready for mutation.
func NewSnapshot() Snapshot {
	return Snapshot{}
}

// Clone returns a copy whose section maps are independent of the receiver.
// Mutating the clone never writes through to the original, which is what lets
// the pipeline stage a new state before committing it.
func (s Snapshot) Clone() Snapshot {
	clone := NewSnapshot()
	for key, value := range s {
		if nested, ok := value.(map[string]any); ok {
			copied := make(map[string]any, len(nested))
			for k, v := range nested {
				copied[k] = v
			}
			clone[key] = copied
			continue
		}
		clone[key] = value
	}
	return clone
}

// AddNumeric adds delta to the named key inside a section, creating the
// section and key as needed. Existing non-numeric values are overwritten.
func (s Snapshot) AddNumeric(section, key string, delta int) {
	if s == nil || section == "" || key == "" {
		return
	}
	nested := s.section(section)
	nested[key] = numericValue(nested[key]) + delta
	s[section] = nested
}

// SetScalars replaces the named keys inside a section with the provided
// values. Keys absent from values are left untouched.
func (s Snapshot) SetScalars(section string, values map[string]any) {
	if s == nil || section == "" || len(values) == 0 {
		return
	}
	nested := s.section(section)
	for key, value := range values {
		nested[key] = value
	}
	s[section] = nested
}

// Numeric returns the numeric value stored at section/key, or zero.
func (s Snapshot) Numeric(section, key string) int {
	if s == nil {
		return 0
	}
	nested, ok := s[section].(map[string]any)
	if !ok {
		return 0
	}
	return numericValue(nested[key])
}

// Scalar returns the top-level value stored at key as a string, or "".
func (s Snapshot) Scalar(key string) string {
	if s == nil {
		return ""
	}
	value, _ := s[key].(string)
	return value
}

func (s Snapshot) section(name string) map[string]any {
	if nested, ok := s[name].(map[string]any); ok {
		return nested
	}
	return map[string]any{}
}

// numericValue coerces JSON-decoded numbers. Column round-trips turn ints
// into float64.
func numericValue(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
