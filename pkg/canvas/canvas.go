// Package canvas holds the raw diagram model: boxes, groups and arrows with
// geometry, decoded from JSON Canvas files or Graphviz DOT.
package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ElementType is the JSON Canvas node type.
type ElementType string

const (
	TypeText  ElementType = "text"
	TypeFile  ElementType = "file"
	TypeLink  ElementType = "link"
	TypeGroup ElementType = "group"
)

// DisabledColor marks an element the engine ignores.
const DisabledColor = "1"

// Element is one box or group on the canvas.
type Element struct {
	ID     string      `json:"id"`
	Type   ElementType `json:"type"`
	Text   string      `json:"text,omitempty"`
	File   string      `json:"file,omitempty"`
	URL    string      `json:"url,omitempty"`
	Label  string      `json:"label,omitempty"`
	Color  string      `json:"color,omitempty"`
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Width  float64     `json:"width"`
	Height float64     `json:"height"`
}

// Rect returns the element's bounding box.
func (e Element) Rect() Rect {
	return Rect{X: e.X, Y: e.Y, W: e.Width, H: e.Height}
}

// Body is the text a vertex carries: its text for text boxes, its file path
// for file boxes, its url for link boxes, and its label for groups.
func (e Element) Body() string {
	switch e.Type {
	case TypeFile:
		return e.File
	case TypeLink:
		return e.URL
	case TypeGroup:
		return e.Label
	default:
		return e.Text
	}
}

// EdgeElement is one arrow on the canvas.
type EdgeElement struct {
	ID       string `json:"id"`
	FromNode string `json:"fromNode"`
	ToNode   string `json:"toNode"`
	FromSide string `json:"fromSide,omitempty"`
	ToSide   string `json:"toSide,omitempty"`
	Label    string `json:"label,omitempty"`
	Color    string `json:"color,omitempty"`
}

// Document is a whole diagram.
type Document struct {
	Nodes []Element     `json:"nodes"`
	Edges []EdgeElement `json:"edges"`
}

// Rect is an axis-aligned box.
type Rect struct {
	X, Y, W, H float64
}

// Contains reports whether o lies entirely inside r. Touching borders count.
func (r Rect) Contains(o Rect) bool {
	return o.X >= r.X && o.Y >= r.Y && o.X+o.W <= r.X+r.W && o.Y+o.H <= r.Y+r.H
}

// Area is W*H.
func (r Rect) Area() float64 { return r.W * r.H }

// ParseJSON decodes a JSON Canvas document.
func ParseJSON(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("canvas json: %w", err)
	}
	return &doc, nil
}

// Load reads a diagram from path. Files ending in .dot or .gv are parsed as
// Graphviz; everything else as JSON Canvas.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read diagram: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dot", ".gv":
		return ParseDOT(string(data))
	default:
		return ParseJSON(data)
	}
}

// Element returns the element with the given id.
func (d *Document) Element(id string) (Element, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Element{}, false
}

// Check reports structural problems that make a document unusable: missing
// or duplicate ids and arrows to unknown elements.
func (d *Document) Check() error {
	var errs []error
	seen := make(map[string]bool, len(d.Nodes)+len(d.Edges))
	for _, n := range d.Nodes {
		if n.ID == "" {
			errs = append(errs, errors.New("element with empty id"))
			continue
		}
		if seen[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate element id %q", n.ID))
		}
		seen[n.ID] = true
	}
	for _, e := range d.Edges {
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("edge %s->%s has empty id", e.FromNode, e.ToNode))
		} else if seen[e.ID] {
			errs = append(errs, fmt.Errorf("duplicate element id %q", e.ID))
		}
		seen[e.ID] = true
	}
	ids := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		ids[n.ID] = true
	}
	for _, e := range d.Edges {
		if !ids[e.FromNode] {
			errs = append(errs, fmt.Errorf("edge %q: unknown source %q", e.ID, e.FromNode))
		}
		if !ids[e.ToNode] {
			errs = append(errs, fmt.Errorf("edge %q: unknown target %q", e.ID, e.ToNode))
		}
	}
	return errors.Join(errs...)
}
