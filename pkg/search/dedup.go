package search

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const dedupPrefixLength = 100

// DedupKey identifies a candidate by conversation, timestamp to the second,
// and a normalized content prefix. The same message read from the hot tier
// and from the durable tier yields the same key.
func DedupKey(c Candidate) string {
	identity := c.Metadata.ConversationID
	if identity == "" {
		identity = c.Metadata.ID
	}
	var ts string
	if !c.Metadata.Timestamp.IsZero() {
		ts = strconv.FormatInt(c.Metadata.Timestamp.Unix(), 10)
	}
	return identity + "|" + ts + "|" + normalizedPrefix(c.Text)
}

// Deduplicate returns primary without the candidates whose key appears in
// against, and without repeats within primary. Order is preserved.
func Deduplicate(primary []Candidate, against ...[]Candidate) []Candidate {
	seen := make(map[string]bool)
	for _, list := range against {
		for _, c := range list {
			seen[DedupKey(c)] = true
		}
	}

	out := make([]Candidate, 0, len(primary))
	for _, c := range primary {
		key := DedupKey(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func normalizedPrefix(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if utf8.RuneCountInString(norm) <= dedupPrefixLength {
		return norm
	}
	return string([]rune(norm)[:dedupPrefixLength])
}
