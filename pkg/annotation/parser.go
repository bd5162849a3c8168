// Package annotation extracts structured metadata from inline `type::value`
// annotations in captured activity notes.
package annotation

import (
	"regexp"
	"strings"
	"time"
)

// Normalizer canonicalizes project names. *alias.Resolver satisfies it.
type Normalizer interface {
	Normalize(raw string) string
}

var (
	// A token starts at the beginning of the text, after whitespace, or after
	// an opening bracket or parenthesis. Bracketed tokens that follow a ctx
	// token are folded back into the ctx value by Parse.
	tokenPattern = regexp.MustCompile(`(?:^|[\s\[(])([A-Za-z][\w-]*)::`)

	ctxDatePattern    = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	ctxTimePattern    = regexp.MustCompile(`@\s*(\d{1,2}:\d{2}(?::\d{2})?)(?:\s*([AaPp][Mm]))?`)
	ctxBracketPattern = regexp.MustCompile(`\[([^\[\]]*)\]`)

	commandPattern  = regexp.MustCompile(`\b[A-Za-z_]\w*\.[A-Za-z_]\w*\([^()]*\)`)
	temporalPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?)?`)
)

// Personas are the fixed persona names recognized as annotation types.
var Personas = []string{"evna", "karen", "lf1m", "sysop", "qtb"}

var highlightTypes = map[string]bool{
	"highlight": true,
	"eureka":    true,
	"gotcha":    true,
	"insight":   true,
}

// handler applies one annotation to the metadata being built.
type handler func(p *Parser, m *Metadata, a Annotation)

var dispatch map[string]handler

func init() {
	dispatch = map[string]handler{
		"project":   handleProject,
		"issue":     handleIssue,
		"connectto": handleConnection,
	}
	for _, name := range Personas {
		dispatch[name] = handlePersona
	}
	for name := range highlightTypes {
		dispatch[name] = handleHighlight
	}
	// ctx is handled inline by ExtractMetadata; pattern, bridge, note and every
	// unrecognized type fall through to handlePattern.
}

// Parser turns message text into Metadata. It holds no mutable state; the same
// text and alias table always produce identical metadata.
type Parser struct {
	normalizer Normalizer
}

// NewParser creates a parser. A nil normalizer leaves project names as written.
func NewParser(normalizer Normalizer) *Parser {
	return &Parser{normalizer: normalizer}
}

// HasAnnotations is a cheap precheck for whether text carries any annotation.
func HasAnnotations(text string) bool {
	if !strings.Contains(text, "::") {
		return false
	}
	return tokenPattern.MatchString(text)
}

// Parse tokenizes text into annotations in order of appearance. A value runs
// until the next token or the end of the text. A token opened by "[" or "("
// also stops at the matching closer, except inside a ctx value where it stays
// part of that value.
func Parse(text string) []Annotation {
	matches := tokenPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	tokens := make([][]int, 0, len(matches))
	inCtx := false
	for _, m := range matches {
		bracketed := closerFor(text, m) != 0
		if bracketed && inCtx {
			continue
		}
		inCtx = !bracketed && strings.EqualFold(text[m[2]:m[3]], "ctx")
		tokens = append(tokens, m)
	}

	out := make([]Annotation, 0, len(tokens))
	for i, m := range tokens {
		valueEnd := len(text)
		if i+1 < len(tokens) {
			valueEnd = tokens[i+1][0]
		}
		value := text[m[1]:valueEnd]
		if c := closerFor(text, m); c != 0 {
			if j := strings.IndexByte(value, c); j >= 0 {
				value = value[:j]
			}
		}
		out = append(out, Annotation{
			Type:  strings.ToLower(text[m[2]:m[3]]),
			Value: strings.TrimSpace(value),
		})
	}
	return out
}

// closerFor returns the byte closing a token opened by a bracket or
// parenthesis, or 0 for a token at the start of text or after whitespace.
func closerFor(text string, m []int) byte {
	if m[0] == m[2] {
		return 0
	}
	switch text[m[0]] {
	case '[':
		return ']'
	case '(':
		return ')'
	}
	return 0
}

// ExtractMetadata derives the metadata bag for text. It never fails: text
// without annotations yields EmptyMetadata.
func (p *Parser) ExtractMetadata(text string) Metadata {
	m := EmptyMetadata()

	var ctxProject, ctxIssue string
	for _, a := range Parse(text) {
		if a.Type == "ctx" {
			proj, issue := handleCtxValue(&m, a.Value)
			if ctxProject == "" {
				ctxProject = proj
			}
			if ctxIssue == "" {
				ctxIssue = issue
			}
			continue
		}
		h, ok := dispatch[a.Type]
		if !ok {
			h = handlePattern
		}
		h(p, &m, a)
	}

	// ctx-embedded project/issue only backfill what top-level tokens left unset.
	if m.Project == "" && ctxProject != "" {
		m.Project = p.normalize(ctxProject)
	}
	if m.Issue == "" && ctxIssue != "" {
		m.Issue = ctxIssue
	}

	m.Commands = append(m.Commands, commandPattern.FindAllString(text, -1)...)
	m.Temporal = extractTemporal(text)

	return m
}

func (p *Parser) normalize(project string) string {
	if p == nil || p.normalizer == nil {
		return project
	}
	return p.normalizer.Normalize(project)
}

// handleCtxValue fills m.Ctx from a ctx value and returns any embedded
// [project::X] / [issue::X] for later backfill.
func handleCtxValue(m *Metadata, value string) (project, issue string) {
	if m.Ctx.Date == "" {
		if d := ctxDatePattern.FindStringSubmatch(value); d != nil {
			m.Ctx.Date = d[1]
		}
	}
	if m.Ctx.Time == "" {
		if t := ctxTimePattern.FindStringSubmatch(value); t != nil {
			m.Ctx.Time = t[1]
			if t[2] != "" {
				m.Ctx.Time += " " + strings.ToUpper(t[2])
			}
		}
	}

	for _, b := range ctxBracketPattern.FindAllStringSubmatch(value, -1) {
		inner := strings.TrimSpace(b[1])
		if inner == "" {
			continue
		}
		key, val, found := strings.Cut(inner, "::")
		if !found {
			m.Ctx.Extra = append(m.Ctx.Extra, inner)
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		switch key {
		case "mode":
			if m.Ctx.Mode == "" {
				m.Ctx.Mode = val
			}
		case "project":
			if project == "" {
				project = firstToken(val)
			}
		case "issue":
			if issue == "" {
				issue = val
			}
		default:
			m.Ctx.Extra = append(m.Ctx.Extra, key+"::"+val)
		}
	}
	return project, issue
}

func handleProject(p *Parser, m *Metadata, a Annotation) {
	if m.Project != "" {
		return
	}
	if first := firstToken(a.Value); first != "" {
		m.Project = p.normalize(first)
	}
}

func handleIssue(_ *Parser, m *Metadata, a Annotation) {
	if m.Issue == "" && a.Value != "" {
		m.Issue = a.Value
	}
}

func handlePersona(_ *Parser, m *Metadata, a Annotation) {
	m.Personas = append(m.Personas, a.Type)
}

func handleConnection(_ *Parser, m *Metadata, a Annotation) {
	m.Connections = append(m.Connections, a.Value)
}

func handleHighlight(_ *Parser, m *Metadata, a Annotation) {
	m.Highlights = append(m.Highlights, a.Value)
}

func handlePattern(_ *Parser, m *Metadata, a Annotation) {
	m.Patterns = append(m.Patterns, a.Type+":"+a.Value)
}

// firstToken returns the first comma-separated token of a project list.
func firstToken(value string) string {
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}

var temporalLayouts = func() []string {
	var layouts []string
	for _, sep := range []string{"T", " "} {
		for _, clock := range []string{"15:04:05", "15:04"} {
			for _, zone := range []string{"Z07:00", "Z0700", ""} {
				layouts = append(layouts, "2006-01-02"+sep+clock+zone)
			}
		}
	}
	return append(layouts, "2006-01-02")
}()

// extractTemporal parses the first ISO-8601-like substring. Anything that
// does not parse leaves Temporal empty.
func extractTemporal(text string) Temporal {
	raw := temporalPattern.FindString(text)
	if raw == "" {
		return Temporal{}
	}
	for _, layout := range temporalLayouts {
		ts, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		unix := ts.Unix()
		return Temporal{ExtractedTimestamp: &raw, UnixTimestamp: &unix}
	}
	return Temporal{}
}
