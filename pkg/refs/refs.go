// Package refs parses and substitutes the {{...}} reference grammar used in
// node text.
//
//	{{name}}            value of the incoming edge labeled name
//	{{[[Note]]}}        body of a note
//	{{[[Note]]|key}}    frontmatter property of a note
//	{{[Floating]}}      content of the floating node named Floating
//	{{SELECTION}}       the caller's text selection
//	{{NOTE}}            the note the diagram was run from
//	{{+[[New]]}}        a note created on write
package refs

import (
	"regexp"
	"strings"
)

// Kind classifies a reference.
type Kind int

const (
	Variable Kind = iota
	Note
	NoteProperty
	Floating
	Selection
	CurrentNote
	NewNote
)

var kindNames = [...]string{"variable", "note", "note_property", "floating", "selection", "current_note", "new_note"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Ref is one parsed reference.
type Ref struct {
	Kind     Kind
	Name     string
	Property string // NoteProperty only
	Raw      string // the full {{...}} text
	Start    int    // byte offset of Raw in the source text
	End      int
}

var pattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Parse returns every reference in text, in order of appearance.
// Empty braces are not references.
func Parse(text string) []Ref {
	var out []Ref
	for _, loc := range pattern.FindAllStringSubmatchIndex(text, -1) {
		inner := strings.TrimSpace(text[loc[2]:loc[3]])
		if inner == "" {
			continue
		}
		r := classify(inner)
		r.Raw = text[loc[0]:loc[1]]
		r.Start, r.End = loc[0], loc[1]
		out = append(out, r)
	}
	return out
}

func classify(inner string) Ref {
	switch {
	case inner == "SELECTION":
		return Ref{Kind: Selection}
	case inner == "NOTE":
		return Ref{Kind: CurrentNote}
	case strings.HasPrefix(inner, "+[[") && strings.HasSuffix(inner, "]]"):
		return Ref{Kind: NewNote, Name: strings.TrimSpace(inner[3 : len(inner)-2])}
	case strings.HasPrefix(inner, "[["):
		end := strings.Index(inner, "]]")
		if end < 0 {
			break
		}
		name := strings.TrimSpace(inner[2:end])
		rest := strings.TrimSpace(inner[end+2:])
		if prop, ok := strings.CutPrefix(rest, "|"); ok {
			return Ref{Kind: NoteProperty, Name: name, Property: strings.TrimSpace(prop)}
		}
		if rest == "" {
			return Ref{Kind: Note, Name: name}
		}
	case strings.HasPrefix(inner, "[") && strings.HasSuffix(inner, "]"):
		return Ref{Kind: Floating, Name: strings.TrimSpace(inner[1 : len(inner)-1])}
	}
	return Ref{Kind: Variable, Name: inner}
}

// Only reports whether text, ignoring surrounding whitespace, is exactly one
// reference, and returns it.
func Only(text string) (Ref, bool) {
	trimmed := strings.TrimSpace(text)
	rs := Parse(trimmed)
	if len(rs) != 1 || rs[0].Start != 0 || rs[0].End != len(trimmed) {
		return Ref{}, false
	}
	return rs[0], true
}

// Has reports whether text contains any reference.
func Has(text string) bool {
	return len(Parse(text)) > 0
}

// Names returns the distinct variable names referenced by text.
func Names(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range Parse(text) {
		if r.Kind == Variable && !seen[r.Name] {
			seen[r.Name] = true
			out = append(out, r.Name)
		}
	}
	return out
}

// Resolver returns the replacement text for a reference.
type Resolver func(Ref) (string, error)

// Replace substitutes every reference in text using resolve. The first
// resolver error aborts the substitution.
func Replace(text string, resolve Resolver) (string, error) {
	rs := Parse(text)
	if len(rs) == 0 {
		return text, nil
	}
	var sb strings.Builder
	last := 0
	for _, r := range rs {
		val, err := resolve(r)
		if err != nil {
			return "", err
		}
		sb.WriteString(text[last:r.Start])
		sb.WriteString(val)
		last = r.End
	}
	sb.WriteString(text[last:])
	return sb.String(), nil
}
