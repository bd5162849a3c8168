package evna

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dan-solli/evna/pkg/search"
	"github.com/dan-solli/evna/pkg/store"
)

// NarrativeInput is everything RenderNarrative prints.
type NarrativeInput struct {
	Date         time.Time
	Query        string
	Project      string
	LookbackDays int
	// Auxiliary sections, keyed by adapter name.
	Auxiliary map[string][]search.Candidate
	Ranked    []search.RankedResult
	Recent    []search.Candidate

	TruncateLength    int
	AuxTruncateLength int
}

const timestampLayout = "2006-01-02 15:04"

// RenderNarrative renders markdown with a fixed section order: header,
// auxiliary sections sorted by name, relevant context, recent activity.
// Empty sections are omitted. The output depends only on in.
func RenderNarrative(in NarrativeInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Context boot: %s\n\n", in.Date.Format("2006-01-02"))
	if in.Project != "" {
		fmt.Fprintf(&b, "- **Project:** %s\n", in.Project)
	}
	if in.Query != "" {
		fmt.Fprintf(&b, "- **Query:** %s\n", in.Query)
	}
	fmt.Fprintf(&b, "- **Lookback:** %d day%s\n", in.LookbackDays, plural(in.LookbackDays))

	names := make([]string, 0, len(in.Auxiliary))
	for name, cands := range in.Auxiliary {
		if len(cands) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n## %s\n\n", sectionTitle(name))
		for _, c := range in.Auxiliary[name] {
			writeItem(&b, c, nil, in.AuxTruncateLength)
		}
	}

	if len(in.Ranked) > 0 {
		b.WriteString("\n## Relevant Context\n\n")
		for _, r := range in.Ranked {
			score := r.Score
			writeItem(&b, r.Candidate, &score, in.TruncateLength)
		}
	}

	if len(in.Recent) > 0 {
		b.WriteString("\n## Recent Activity\n\n")
		for _, c := range in.Recent {
			writeItem(&b, c, nil, in.TruncateLength)
		}
	}

	return b.String()
}

func writeItem(b *strings.Builder, c search.Candidate, score *float64, truncate int) {
	b.WriteString("- ")
	if !c.Metadata.Timestamp.IsZero() {
		fmt.Fprintf(b, "**%s**", c.Metadata.Timestamp.Format(timestampLayout))
	} else {
		b.WriteString("**undated**")
	}
	if score != nil {
		fmt.Fprintf(b, " (score %.2f)", *score)
	}
	if c.Metadata.Project != "" {
		fmt.Fprintf(b, " [project::%s]", c.Metadata.Project)
	}
	if c.Metadata.ConversationID != "" {
		fmt.Fprintf(b, " [conversation::%s]", c.Metadata.ConversationID)
	}
	if c.SourceTag != "" {
		fmt.Fprintf(b, " _%s_", c.SourceTag)
	}
	b.WriteString("\n")

	text := store.SmartTruncate(strings.TrimSpace(c.Text), truncate)
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
}

// sectionTitle turns an adapter name like "daily-notes" into "Daily Notes".
func sectionTitle(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' || r == ' ' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	if len(words) == 0 {
		return name
	}
	return strings.Join(words, " ")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
