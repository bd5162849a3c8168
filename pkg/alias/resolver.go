// Package alias resolves free-form project identifiers against a static alias table.
package alias

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// ErrEmptyTable is returned when a resolver is built from a table with no usable entries.
var ErrEmptyTable = goerr.New("alias table is empty")

// Entry maps one canonical project name to its recognized synonyms.
type Entry struct {
	Canonical string   `toml:"canonical" json:"canonical"`
	Aliases   []string `toml:"aliases" json:"aliases,omitempty"`
}

// Variants returns the canonical name followed by its aliases.
func (e Entry) Variants() []string {
	out := make([]string, 0, len(e.Aliases)+1)
	out = append(out, e.Canonical)
	out = append(out, e.Aliases...)
	return out
}

// Resolver normalizes and expands project names. It is read-only after
// construction and safe for concurrent use.
type Resolver struct {
	entries []Entry
	// lowercased canonical-or-alias -> canonical
	index map[string]string
}

// NewResolver builds a resolver from a table. Canonical names are indexed before
// aliases so that a canonical name always normalizes to itself.
func NewResolver(entries []Entry) (*Resolver, error) {
	r := &Resolver{
		index: make(map[string]string),
	}

	for _, e := range entries {
		canonical := strings.TrimSpace(e.Canonical)
		if canonical == "" {
			continue
		}
		clean := Entry{Canonical: canonical}
		for _, a := range e.Aliases {
			if a = strings.TrimSpace(a); a != "" {
				clean.Aliases = append(clean.Aliases, a)
			}
		}
		r.entries = append(r.entries, clean)
		if _, exists := r.index[strings.ToLower(canonical)]; !exists {
			r.index[strings.ToLower(canonical)] = canonical
		}
	}

	if len(r.entries) == 0 {
		return nil, ErrEmptyTable
	}

	for _, e := range r.entries {
		for _, a := range e.Aliases {
			key := strings.ToLower(a)
			if _, exists := r.index[key]; !exists {
				r.index[key] = e.Canonical
			}
		}
	}

	return r, nil
}

// Entries returns a copy of the table.
func (r *Resolver) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = Entry{Canonical: e.Canonical, Aliases: append([]string(nil), e.Aliases...)}
	}
	return out
}

// Normalize returns the canonical name for raw when raw matches a canonical name
// or alias case-insensitively. Unknown names are returned unchanged.
func (r *Resolver) Normalize(raw string) string {
	if r == nil {
		return raw
	}
	if canonical, ok := r.index[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return canonical
	}
	return raw
}

// Expand returns every variant of every entry that partially matches name
// (substring in either direction, case-insensitive), in table order.
// On a total miss it returns []string{name}; callers should then filter with
// MatchesAny rather than exact equality.
func (r *Resolver) Expand(name string) []string {
	needle := strings.ToLower(strings.TrimSpace(name))
	if r == nil || needle == "" {
		return []string{name}
	}

	var out []string
	seen := make(map[string]bool)
	for _, e := range r.entries {
		if !entryMatches(e, needle) {
			continue
		}
		for _, v := range e.Variants() {
			key := strings.ToLower(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}

	if len(out) == 0 {
		return []string{name}
	}
	return out
}

func entryMatches(e Entry, needle string) bool {
	for _, v := range e.Variants() {
		lv := strings.ToLower(v)
		if strings.Contains(lv, needle) || strings.Contains(needle, lv) {
			return true
		}
	}
	return false
}

// MatchesAny reports whether value contains any of the variants as a
// case-insensitive substring. An empty value never matches.
func MatchesAny(value string, variants []string) bool {
	lv := strings.ToLower(value)
	if lv == "" {
		return false
	}
	for _, v := range variants {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && strings.Contains(lv, v) {
			return true
		}
	}
	return false
}
