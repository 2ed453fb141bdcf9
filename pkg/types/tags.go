package types

import (
	"fmt"
	"sort"
	"strings"
)

// TagSeparator joins key and value into the composite form stored by vector
// backends. Values containing it are rejected at write time.
const TagSeparator = ":"

// TagCollection is a multimap of tags: one key may hold many values
type TagCollection map[string][]string

// Add appends a value to a key
func (t TagCollection) Add(key, value string) {
	t[key] = append(t[key], value)
}

// Clone returns a deep copy
func (t TagCollection) Clone() TagCollection {
	if t == nil {
		return nil
	}
	out := make(TagCollection, len(t))
	for k, vs := range t {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Validate rejects empty keys and keys or values containing the reserved
// separator. Called synchronously at import time.
func (t TagCollection) Validate() error {
	for k, vs := range t {
		if k == "" {
			return fmt.Errorf("empty tag key")
		}
		if strings.Contains(k, TagSeparator) {
			return fmt.Errorf("tag key %q contains reserved separator %q", k, TagSeparator)
		}
		for _, v := range vs {
			if strings.Contains(v, TagSeparator) {
				return fmt.Errorf("tag %q value %q contains reserved separator %q", k, v, TagSeparator)
			}
		}
	}
	return nil
}

// Pairs returns the sorted composite "key:value" encoding of every tag
func (t TagCollection) Pairs() []string {
	var pairs []string
	for k, vs := range t {
		for _, v := range vs {
			pairs = append(pairs, k+TagSeparator+v)
		}
	}
	sort.Strings(pairs)
	return pairs
}

// First returns the first value of a key, or "" when absent
func (t TagCollection) First(key string) string {
	if vs := t[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether the collection contains the exact key/value pair
func (t TagCollection) Has(key, value string) bool {
	for _, v := range t[key] {
		if v == value {
			return true
		}
	}
	return false
}

// MemoryFilter is a set of tag equalities ANDed together. A list of filters
// is ORed. An empty filter matches everything and is dropped by callers.
type MemoryFilter map[string][]string

// Empty reports whether the filter has no constraints
func (f MemoryFilter) Empty() bool {
	for _, vs := range f {
		for _, v := range vs {
			if v != "" {
				return false
			}
		}
	}
	return true
}

// Matches reports whether every key/value equality in the filter holds
// against the record's tag set.
func (f MemoryFilter) Matches(tags TagCollection) bool {
	for k, vs := range f {
		for _, v := range vs {
			if v == "" {
				continue
			}
			if !tags.Has(k, v) {
				return false
			}
		}
	}
	return true
}

// MatchesAny applies OR semantics across a filter list. A nil or all-empty
// list matches everything.
func MatchesAny(filters []MemoryFilter, tags TagCollection) bool {
	any := false
	for _, f := range filters {
		if f.Empty() {
			continue
		}
		any = true
		if f.Matches(tags) {
			return true
		}
	}
	return !any
}
