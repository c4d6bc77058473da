package canvas

import (
	"fmt"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
	"github.com/google/uuid"
)

// Synthesized geometry for DOT diagrams. DOT has no coordinates, so every
// box gets a fixed size and clusters are laid out around their children;
// only containment matters to the engine.
const (
	boxWidth   = 240
	boxHeight  = 120
	padding    = 40
	header     = 40
	spacing    = 40
	edgeIDSeed = "canvasflow/dot-edge"
)

var edgeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(edgeIDSeed))

// ParseDOT converts a Graphviz diagram into a Document. Clusters
// (subgraphs named cluster*) become groups; nodes become text boxes, or file
// and link boxes when they carry a file or url attribute. An edge whose
// lhead or ltail names a cluster attaches to that group. Attribute color
// (or canvas_color) carries the canvas color code, and label the text.
func ParseDOT(src string) (*Document, error) {
	graphAst, err := gographviz.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("dot parse error: %w", err)
	}
	c := newDOTCollector()
	if err := gographviz.Analyse(graphAst, c); err != nil {
		return nil, fmt.Errorf("dot analyse error: %w", err)
	}
	return c.document(), nil
}

type dotEdge struct {
	from, to string
	attrs    map[string]string
}

// dotCollector implements gographviz.Interface without attribute
// validation, recording the subgraph tree as it goes.
type dotCollector struct {
	name      string
	nodeOrder []string
	nodes     map[string]map[string]string
	parent    map[string]string // node or subgraph -> enclosing graph name
	subgraphs map[string]map[string]string
	children  map[string][]string // graph name -> nodes and subgraphs, in order
	edges     []dotEdge
}

func newDOTCollector() *dotCollector {
	return &dotCollector{
		nodes:     make(map[string]map[string]string),
		parent:    make(map[string]string),
		subgraphs: make(map[string]map[string]string),
		children:  make(map[string][]string),
	}
}

func (c *dotCollector) SetStrict(_ bool) error { return nil }
func (c *dotCollector) SetDir(_ bool) error    { return nil }
func (c *dotCollector) SetName(n string) error { c.name = unquote(n); return nil }
func (c *dotCollector) String() string         { return c.name }

func (c *dotCollector) AddNode(parentGraph string, name string, attrs map[string]string) error {
	id := unquote(name)
	parentGraph = unquote(parentGraph)
	if _, ok := c.nodes[id]; !ok {
		c.nodes[id] = make(map[string]string)
		c.nodeOrder = append(c.nodeOrder, id)
	}
	// The first non-root placement wins; a later mention at the root
	// does not pull a node out of its cluster.
	if cur, ok := c.parent[id]; !ok || (cur == c.name && parentGraph != c.name) {
		if ok {
			c.removeChild(cur, id)
		}
		c.parent[id] = parentGraph
		c.children[parentGraph] = append(c.children[parentGraph], id)
	}
	for k, v := range attrs {
		c.nodes[id][k] = unquote(v)
	}
	return nil
}

func (c *dotCollector) AddEdge(src, dst string, _ bool, attrs map[string]string) error {
	a := make(map[string]string, len(attrs))
	for k, v := range attrs {
		a[k] = unquote(v)
	}
	c.edges = append(c.edges, dotEdge{from: unquote(src), to: unquote(dst), attrs: a})
	return nil
}

func (c *dotCollector) AddPortEdge(src, _, dst, _ string, directed bool, attrs map[string]string) error {
	return c.AddEdge(src, dst, directed, attrs)
}

func (c *dotCollector) AddAttr(parentGraph string, field, value string) error {
	g := unquote(parentGraph)
	if attrs, ok := c.subgraphs[g]; ok {
		attrs[field] = unquote(value)
	}
	return nil
}

func (c *dotCollector) AddSubGraph(parentGraph string, name string, attrs map[string]string) error {
	id := unquote(name)
	if _, ok := c.subgraphs[id]; !ok {
		c.subgraphs[id] = make(map[string]string)
		c.parent[id] = unquote(parentGraph)
		c.children[c.parent[id]] = append(c.children[c.parent[id]], id)
	}
	for k, v := range attrs {
		c.subgraphs[id][k] = unquote(v)
	}
	return nil
}

func (c *dotCollector) removeChild(graph, id string) {
	kids := c.children[graph]
	for i, k := range kids {
		if k == id {
			c.children[graph] = append(kids[:i:i], kids[i+1:]...)
			return
		}
	}
}

func isCluster(name string) bool {
	return strings.HasPrefix(name, "cluster")
}

// document lays out the collected tree and emits canvas elements.
func (c *dotCollector) document() *Document {
	doc := &Document{}
	// Edge endpoints never declared as nodes live at the root.
	for _, e := range c.edges {
		for _, id := range []string{e.from, e.to} {
			if _, ok := c.nodes[id]; !ok {
				_ = c.AddNode(c.name, id, nil)
			}
		}
	}
	c.place(doc, c.name, 0, 0)

	for i, e := range c.edges {
		from, to := e.from, e.to
		if lt := e.attrs["ltail"]; isCluster(lt) {
			from = lt
		}
		if lh := e.attrs["lhead"]; isCluster(lh) {
			to = lh
		}
		id := e.attrs["id"]
		if id == "" {
			id = uuid.NewSHA1(edgeNamespace, fmt.Appendf(nil, "%s|%s|%d", from, to, i)).String()
		}
		doc.Edges = append(doc.Edges, EdgeElement{
			ID:       id,
			FromNode: from,
			ToNode:   to,
			Label:    unescape(e.attrs["label"]),
			Color:    colorCode(e.attrs),
		})
	}
	return doc
}

// place lays out the children of graph starting at (x, y) and returns the
// extent they occupy. Non-cluster subgraphs are transparent.
func (c *dotCollector) place(doc *Document, graph string, x, y float64) (w, h float64) {
	cx := x
	for _, id := range c.flatten(graph) {
		var cw, ch float64
		if attrs, ok := c.subgraphs[id]; ok {
			iw, ih := c.place(doc, id, cx+padding, y+padding+header)
			cw = max(iw+2*padding, boxWidth)
			ch = max(ih+2*padding+header, boxHeight)
			doc.Nodes = append(doc.Nodes, Element{
				ID: id, Type: TypeGroup, Label: unescape(attrs["label"]), Color: colorCode(attrs),
				X: cx, Y: y, Width: cw, Height: ch,
			})
		} else {
			cw, ch = boxWidth, boxHeight
			doc.Nodes = append(doc.Nodes, c.nodeElement(id, cx, y))
		}
		cx += cw + spacing
		h = max(h, ch)
	}
	if cx > x {
		w = cx - x - spacing
	}
	return w, h
}

// flatten lists the nodes and clusters directly under graph, expanding
// non-cluster subgraphs in place.
func (c *dotCollector) flatten(graph string) []string {
	var out []string
	for _, id := range c.children[graph] {
		if _, ok := c.subgraphs[id]; ok && !isCluster(id) {
			out = append(out, c.flatten(id)...)
			continue
		}
		out = append(out, id)
	}
	return out
}

func (c *dotCollector) nodeElement(id string, x, y float64) Element {
	attrs := c.nodes[id]
	el := Element{ID: id, Type: TypeText, Color: colorCode(attrs), X: x, Y: y, Width: boxWidth, Height: boxHeight}
	switch {
	case attrs["file"] != "":
		el.Type, el.File = TypeFile, attrs["file"]
	case attrs["url"] != "":
		el.Type, el.URL = TypeLink, attrs["url"]
	default:
		el.Text = id
		if lbl, ok := attrs["label"]; ok {
			el.Text = unescape(lbl)
		}
	}
	return el
}

// colorCode extracts a canvas color code ("1" to "6") from DOT attributes.
func colorCode(attrs map[string]string) string {
	if v := attrs["canvas_color"]; v != "" {
		return v
	}
	if v := attrs["color"]; len(v) == 1 && v[0] >= '1' && v[0] <= '6' {
		return v
	}
	return ""
}

// unquote strips surrounding double-quotes from a DOT attribute value.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

var dotEscapes = strings.NewReplacer(`\n`, "\n", `\l`, "\n", `\"`, `"`)

func unescape(s string) string { return dotEscapes.Replace(s) }
