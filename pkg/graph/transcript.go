package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// transcript renders one logging entry. crossOut lists the groups the
// logging edge leaves, innermost first; their counters head the entry
// outermost first.
func (g *Graph) transcript(crossOut []string, p Payload) string {
	var sb strings.Builder
	for _, id := range slices.Backward(crossOut) {
		gr := g.Group(id)
		if gr == nil {
			continue
		}
		switch {
		case gr.Kind().Iterates():
			fmt.Fprintf(&sb, "### Loop %d of %d\n\n", gr.CurrentLoop()+1, gr.MaxLoops()+1)
		case gr.Kind() == KindListGroup:
			fmt.Fprintf(&sb, "#### Version %d\n\n", gr.CopyID()+1)
		}
	}
	for _, id := range slices.Backward(crossOut) {
		if gr := g.Group(id); gr != nil && gr.Kind() == KindForEachGroup {
			fmt.Fprintf(&sb, "#### Version %d\n\n", gr.CurrentLoop()+1)
		}
	}

	if p.Request == nil {
		sb.WriteString(p.Content.String())
		return strings.TrimRight(sb.String(), "\n")
	}
	for _, m := range p.Request.Messages {
		fmt.Fprintf(&sb, "**%s**: %s\n\n", m.Role, m.Text())
	}
	if p.Request.FunctionArgs != "" {
		fmt.Fprintf(&sb, "**function call**:\n```json\n%s\n```\n\n", p.Request.FunctionArgs)
	}
	if len(p.Request.Config) > 0 {
		sb.WriteString("**config**:\n")
		for _, k := range slices.Sorted(maps.Keys(p.Request.Config)) {
			fmt.Fprintf(&sb, "- %s: %s\n", k, p.Request.Config[k])
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
