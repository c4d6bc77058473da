package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/canvasflow/pkg/canvas"
	"github.com/ravi-parthasarathy/canvasflow/pkg/factory"
	"github.com/ravi-parthasarathy/canvasflow/pkg/graph"
)

func graphCmd(gl *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <diagram>",
		Short: "Print the typed graph a diagram builds into",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := setup(cmd, gl); err != nil {
				return err
			}
			doc, g, err := buildDiagram(args[0], gl.lenient)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch strings.ToLower(format) {
			case "dot":
				dot, err := canvas.RenderDOT(doc, factory.Annotate(g, false))
				if err != nil {
					return fmt.Errorf("render dot: %w", err)
				}
				fmt.Fprint(out, dot)
			case "text", "":
				fmt.Fprint(out, renderText(g))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

// truncate shortens s to maxLen runes on its first line, appending "…" if
// needed.
func truncate(s string, maxLen int) string {
	s, _, cut := strings.Cut(strings.TrimSpace(s), "\n")
	runes := []rune(s)
	if len(runes) <= maxLen && !cut {
		return s
	}
	if len(runes) > maxLen {
		runes = runes[:maxLen]
	}
	return string(runes) + "…"
}

func widest(ids []string, floor int) int {
	w := floor
	for _, id := range ids {
		w = max(w, len(id))
	}
	return w
}

func ids[T graph.Object](objs []T) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.ID()
	}
	return out
}

// groupLabel describes a group's iteration settings.
func groupLabel(gr graph.Group) string {
	switch {
	case gr.Kind().Iterates():
		return "passes=" + strconv.Itoa(gr.MaxLoops()+1)
	case gr.Kind() == graph.KindListGroup:
		return "versions=" + strconv.Itoa(gr.Versions())
	}
	return ""
}

// renderText produces the human-readable summary of a built graph.
func renderText(g *graph.Graph) string {
	var sb strings.Builder
	groups, nodes, edges := g.Groups(), g.Nodes(), g.Edges()
	fmt.Fprintf(&sb, "Graph: %d nodes, %d groups, %d edges\n", len(nodes), len(groups), len(edges))

	if len(groups) > 0 {
		w := widest(ids(groups), 5)
		fmt.Fprintf(&sb, "\nGroups:\n")
		for _, gr := range groups {
			attrs := []string{}
			if l := groupLabel(gr); l != "" {
				attrs = append(attrs, l)
			}
			if p := gr.Groups(); len(p) > 0 {
				attrs = append(attrs, "in="+p[0])
			}
			attrs = append(attrs, "members="+strings.Join(gr.Members(), ","))
			fmt.Fprintf(&sb, "  %-*s  %-10s  %s\n", w, gr.ID(), gr.Kind().Short(), strings.Join(attrs, " "))
		}
	}

	w := widest(ids(nodes), 4)
	fmt.Fprintf(&sb, "\nNodes:\n")
	for _, n := range nodes {
		in := ""
		if p := n.Groups(); len(p) > 0 {
			in = "in=" + p[0] + " "
		}
		fmt.Fprintf(&sb, "  %-*s  %-10s  %s%q\n", w, n.ID(), n.Kind().Short(), in, truncate(n.Text(), 50))
	}

	fmt.Fprintf(&sb, "\nEdges:\n")
	sources := make([]string, len(edges))
	for i, e := range edges {
		sources[i] = e.Source()
	}
	sw := widest(sources, 4)
	for _, e := range edges {
		tags := []string{e.Kind().Short()}
		if e.Name() != "" {
			tags = append(tags, strconv.Quote(e.Name()))
		}
		if e.Reflexive() {
			tags = append(tags, "reflexive")
		}
		if out := e.CrossingOut(); len(out) > 0 {
			tags = append(tags, "out="+strings.Join(out, ","))
		}
		if in := e.CrossingIn(); len(in) > 0 {
			tags = append(tags, "in="+strings.Join(in, ","))
		}
		fmt.Fprintf(&sb, "  %-*s  →  %s  [%s]\n", sw, e.Source(), e.Target(), strings.Join(tags, " "))
	}
	return sb.String()
}

// renderSummary lists each vertex's final status, the reason for every
// rejection, and the results of nodes nothing else consumes.
func renderSummary(doc *canvas.Document, g *graph.Graph, res *graph.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s finished in %s\n", res.RunID, res.Duration.Round(time.Millisecond))

	var vertices []graph.Vertex
	for _, gr := range g.Groups() {
		vertices = append(vertices, gr)
	}
	for _, n := range g.Nodes() {
		if n.Kind() != graph.KindFloating {
			vertices = append(vertices, n)
		}
	}
	w := widest(ids(vertices), 4)
	for _, v := range vertices {
		line := fmt.Sprintf("  %-*s  %-10s  %s", w, v.ID(), v.Kind().Short(), res.Statuses[v.ID()])
		if msg := res.Messages[v.ID()]; msg != "" {
			line += "  " + truncate(msg, 80)
		}
		sb.WriteString(line + "\n")
	}

	for _, n := range g.Nodes() {
		if len(n.Outgoing()) > 0 || n.Kind() == graph.KindFloating || res.Statuses[n.ID()] != graph.Complete {
			continue
		}
		fmt.Fprintf(&sb, "\n── %s ──\n%s\n", label(doc, n), strings.TrimSpace(n.Content()))
	}
	if len(res.Unreached) > 0 {
		fmt.Fprintf(&sb, "\nUnreached: %s\n", strings.Join(res.Unreached, ", "))
	}
	return sb.String()
}

// label names a node by its id and, when different, the first line of its
// element text.
func label(doc *canvas.Document, n graph.Node) string {
	el, ok := doc.Element(n.ID())
	if !ok {
		return n.ID()
	}
	if t := truncate(el.Body(), 40); t != "" && t != n.ID() {
		return n.ID() + " " + strconv.Quote(t)
	}
	return n.ID()
}
