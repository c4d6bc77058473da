package canvas

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
)

// Annotation attaches typing information to an element for rendering.
type Annotation struct {
	Kind   string
	Parent string // innermost enclosing group id, "" at top level
	Status string
}

// RenderDOT writes doc as a Graphviz digraph. Only annotated elements are
// drawn: groups become clusters nested by Parent, arrows into or out of a
// group attach to the cluster with lhead/ltail.
func RenderDOT(doc *Document, ann map[string]Annotation) (string, error) {
	const root = "canvas"
	g := gographviz.NewGraph()
	if err := g.SetName(root); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if err := g.AddAttr(root, "compound", "true"); err != nil {
		return "", err
	}

	groups := map[string]bool{}
	for _, el := range doc.Nodes {
		if _, ok := ann[el.ID]; ok && el.Type == TypeGroup {
			groups[el.ID] = true
		}
	}
	graphOf := func(id string) string {
		if p := ann[id].Parent; p != "" && groups[p] {
			return clusterName(p)
		}
		return root
	}

	// Clusters must exist before their children; parents sort first by depth.
	for _, id := range byDepth(groups, ann) {
		el, _ := doc.Element(id)
		attrs := map[string]string{"label": quote(describe(ann[id], el.Label))}
		if err := g.AddSubGraph(graphOf(id), clusterName(id), attrs); err != nil {
			return "", err
		}
		// Anchor so arrows have something to attach to.
		anchor := map[string]string{"shape": "point", "style": "invis"}
		if err := g.AddNode(clusterName(id), anchorName(id), anchor); err != nil {
			return "", err
		}
	}
	for _, el := range doc.Nodes {
		a, ok := ann[el.ID]
		if !ok || el.Type == TypeGroup {
			continue
		}
		attrs := map[string]string{"label": quote(describe(a, firstLine(el.Body())))}
		if a.Kind == "floating" {
			attrs["style"] = "dashed"
		}
		if err := g.AddNode(graphOf(el.ID), quote(el.ID), attrs); err != nil {
			return "", err
		}
	}
	for _, e := range doc.Edges {
		a, ok := ann[e.ID]
		if !ok {
			continue
		}
		src, dst := quote(e.FromNode), quote(e.ToNode)
		attrs := map[string]string{"label": quote(describe(a, e.Label))}
		if groups[e.FromNode] {
			src = anchorName(e.FromNode)
			attrs["ltail"] = clusterName(e.FromNode)
		}
		if groups[e.ToNode] {
			dst = anchorName(e.ToNode)
			attrs["lhead"] = clusterName(e.ToNode)
		}
		if err := g.AddEdge(src, dst, true, attrs); err != nil {
			return "", err
		}
	}
	return g.String(), nil
}

func byDepth(groups map[string]bool, ann map[string]Annotation) []string {
	depth := func(id string) int {
		d := 0
		for p := ann[id].Parent; p != "" && d < len(ann); p = ann[p].Parent {
			d++
		}
		return d
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := cmp.Compare(depth(a), depth(b)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return ids
}

func describe(a Annotation, text string) string {
	var sb strings.Builder
	sb.WriteString("[" + a.Kind + "]")
	if text != "" {
		sb.WriteString(" " + text)
	}
	if a.Status != "" {
		sb.WriteString(" (" + a.Status + ")")
	}
	return sb.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > 60 {
		line = line[:57] + "..."
	}
	return line
}

func clusterName(id string) string { return quote("cluster_" + id) }
func anchorName(id string) string  { return quote(id + "__anchor") }
func quote(s string) string        { return strconv.Quote(s) }
