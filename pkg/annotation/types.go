package annotation

// Annotation is one `type::value` token found in a message.
type Annotation struct {
	Type  string `json:"type"`  // lowercased type name
	Value string `json:"value"` // trimmed value text
}

// String renders the annotation back into its token form.
func (a Annotation) String() string {
	return a.Type + "::" + a.Value
}

// Context is the sub-parsed payload of a ctx:: annotation.
type Context struct {
	Date string `json:"date"`
	Time string `json:"time"`
	Mode string `json:"mode"`
	// Extra holds any other bracketed free metadata found in the ctx value.
	Extra []string `json:"extra"`
}

// Temporal holds the first ISO-8601-like timestamp found in the text.
// Both fields are nil when nothing parseable was found.
type Temporal struct {
	ExtractedTimestamp *string `json:"extractedTimestamp,omitempty"`
	UnixTimestamp      *int64  `json:"unixTimestamp,omitempty"`
}

// Metadata is the structured bag derived from a message's text.
// Slices are never nil so the serialized form always carries empty arrays.
type Metadata struct {
	Ctx         Context  `json:"ctx"`
	Project     string   `json:"project,omitempty"`
	Issue       string   `json:"issue,omitempty"`
	Personas    []string `json:"personas"`
	Connections []string `json:"connections"`
	Highlights  []string `json:"highlights"`
	Patterns    []string `json:"patterns"`
	Commands    []string `json:"commands"`
	Temporal    Temporal `json:"temporal"`
}

// EmptyMetadata returns the default skeleton with every slice initialized.
func EmptyMetadata() Metadata {
	return Metadata{
		Ctx:         Context{Extra: []string{}},
		Personas:    []string{},
		Connections: []string{},
		Highlights:  []string{},
		Patterns:    []string{},
		Commands:    []string{},
	}
}

// PatternValues returns the values of patterns recorded under the given type,
// e.g. PatternValues("meeting") for "meeting:standup".
func (m Metadata) PatternValues(typ string) []string {
	prefix := typ + ":"
	var out []string
	for _, p := range m.Patterns {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			out = append(out, p[len(prefix):])
		}
	}
	return out
}
