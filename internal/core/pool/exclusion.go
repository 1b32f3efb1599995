package pool

// ExclusionSet holds the credential ids already tried and failed for one
// logical job. It belongs to a single execution and is not safe for
// concurrent use.
type ExclusionSet struct {
	ids   map[string]struct{}
	order []string
}

// NewExclusionSet returns a set seeded with ids.
func NewExclusionSet(ids ...string) *ExclusionSet {
	s := &ExclusionSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add records id. Adding an id twice is a no-op.
func (s *ExclusionSet) Add(id string) {
	if id == "" {
		return
	}
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

// Contains reports whether id is excluded. A nil set excludes nothing.
func (s *ExclusionSet) Contains(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of excluded ids.
func (s *ExclusionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// IDs returns the excluded ids in the order they were added.
func (s *ExclusionSet) IDs() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}
