package factory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ravi-parthasarathy/canvasflow/pkg/canvas"
	"github.com/ravi-parthasarathy/canvasflow/pkg/graph"
	"github.com/ravi-parthasarathy/canvasflow/pkg/refs"
)

// Type tables. A leading prefix character on the text or label wins over
// the color code, which wins over everything structural.
var (
	nodePrefixes = map[byte]graph.Kind{
		'?': graph.KindChoice,
		'<': graph.KindForm,
		'@': graph.KindHTTP,
		'%': graph.KindFormatter,
	}
	nodeColors = map[string]graph.Kind{
		"2": graph.KindReference,
		"3": graph.KindContent,
		"4": graph.KindHTTP,
		"5": graph.KindFormatter,
		"6": graph.KindCall,
	}
	groupColors = map[string]graph.Kind{
		"2": graph.KindForEachGroup,
		"3": graph.KindBasicGroup,
		"4": graph.KindListGroup,
		"5": graph.KindRepeatGroup,
		"6": graph.KindBasicGroup,
	}
	edgePrefixes = map[byte]graph.Kind{
		'!': graph.KindSystemEdge,
		'~': graph.KindMessageFormatEdge,
		'#': graph.KindItemEdge,
		'*': graph.KindConfigEdge,
	}
	edgeColors = map[string]graph.Kind{
		"2": graph.KindConfigEdge,
		"3": graph.KindWriteEdge,
		"4": graph.KindItemEdge,
		"5": graph.KindLoggingEdge,
		"6": graph.KindChatResponseEdge,
	}
)

// vertexFacts is everything the classifier may look at for one box or
// group. Member kinds are final: groups are classified innermost first.
type vertexFacts struct {
	Element     canvas.Element
	Text        string
	Group       bool
	Floating    bool
	Edges       int
	MemberKinds []graph.Kind
}

// decision is a classifier's verdict on a vertex.
type decision struct {
	Kind     graph.Kind
	Text     string // text with any type prefix removed
	Loops    int
	Versions int
}

// vertexRule returns ok=false when it has nothing to say about f. An error
// is fatal for the element.
type vertexRule func(f vertexFacts) (d decision, ok bool, err error)

// vertexRules run in order; the first match decides.
var vertexRules = []vertexRule{
	floatingRule,
	nodePrefixRule,
	colorRule,
	loopLabelRule,
	structuralRule,
	defaultVertexRule,
}

func classifyVertex(f vertexFacts) (decision, error) {
	for _, rule := range vertexRules {
		d, ok, err := rule(f)
		if err != nil {
			return decision{}, err
		}
		if ok {
			if d.Text == "" {
				d.Text = f.Text
			}
			return d, nil
		}
	}
	return decision{}, fmt.Errorf("no kind for %s element", f.Element.Type)
}

func floatingRule(f vertexFacts) (decision, bool, error) {
	if f.Group || !f.Floating {
		return decision{}, false, nil
	}
	return decision{Kind: graph.KindFloating}, true, nil
}

func nodePrefixRule(f vertexFacts) (decision, bool, error) {
	if f.Group || f.Element.Type != canvas.TypeText || f.Text == "" {
		return decision{}, false, nil
	}
	k, ok := nodePrefixes[f.Text[0]]
	if !ok {
		return decision{}, false, nil
	}
	return decision{Kind: k, Text: strings.TrimSpace(f.Text[1:])}, true, nil
}

func colorRule(f vertexFacts) (decision, bool, error) {
	if !f.Group {
		k, ok := nodeColors[f.Element.Color]
		if !ok {
			return decision{}, false, nil
		}
		if k == graph.KindContent && isTarget(f.Text) {
			k = graph.KindReference
		}
		return decision{Kind: k}, true, nil
	}

	k, ok := groupColors[f.Element.Color]
	if !ok {
		return decision{}, false, nil
	}
	d := decision{Kind: k}
	switch k {
	case graph.KindRepeatGroup, graph.KindForEachGroup:
		n, err := loopCount(f.Text, k)
		if err != nil {
			return decision{}, false, err
		}
		d.Loops = n
	case graph.KindListGroup:
		n, err := loopCount(f.Text, k)
		if err != nil {
			return decision{}, false, err
		}
		d.Versions = n
	}
	return d, true, nil
}

// loopLabelRule reads a group label as a repeat count. A label that is not
// a positive integer is fatal: a labeled group is taken to mean a loop.
func loopLabelRule(f vertexFacts) (decision, bool, error) {
	if !f.Group || f.Text == "" {
		return decision{}, false, nil
	}
	n, err := loopCount(f.Text, graph.KindRepeatGroup)
	if err != nil {
		return decision{}, false, err
	}
	return decision{Kind: graph.KindRepeatGroup, Loops: n}, true, nil
}

func structuralRule(f vertexFacts) (decision, bool, error) {
	if f.Group {
		if f.Edges > 0 {
			return decision{}, false, nil
		}
		for _, k := range f.MemberKinds {
			if k != graph.KindFloating && k != graph.KindNonLogic {
				return decision{}, false, nil
			}
		}
		return decision{Kind: graph.KindNonLogic}, true, nil
	}
	t := f.Text
	if len(t) >= 4 && strings.HasPrefix(t, `""`) && strings.HasSuffix(t, `""`) {
		return decision{Kind: graph.KindFormatter}, true, nil
	}
	return decision{}, false, nil
}

func defaultVertexRule(f vertexFacts) (decision, bool, error) {
	switch {
	case f.Group:
		return decision{Kind: graph.KindBasicGroup}, true, nil
	case f.Element.Type == canvas.TypeText:
		return decision{Kind: graph.KindCall}, true, nil
	}
	return decision{Kind: graph.KindContent}, true, nil
}

// loopCount parses a loop or version label.
func loopCount(label string, k graph.Kind) (int, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return 0, fmt.Errorf("%s group needs a positive count as its label", k.Short())
	}
	n, err := strconv.Atoi(label)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s group label %q is not a positive integer", k.Short(), label)
	}
	return n, nil
}

// isTarget reports whether text is exactly one reference a reference node
// can read or write.
func isTarget(text string) bool {
	ref, ok := refs.Only(text)
	return ok && ref.Kind != refs.Variable
}

// edgeFacts is what the classifier sees of an arrow, with the final kinds
// of both ends.
type edgeFacts struct {
	Element canvas.EdgeElement
	Label   string
	Source  graph.Kind
	Target  graph.Kind
}

type edgeRule func(f edgeFacts) (kind graph.Kind, name string, ok bool)

var edgeRules = []edgeRule{
	edgePrefixRule,
	edgeColorRule,
	edgeStructuralRule,
	func(f edgeFacts) (graph.Kind, string, bool) { return graph.KindBasicEdge, f.Label, true },
}

func classifyEdge(f edgeFacts) (graph.Kind, string) {
	for _, rule := range edgeRules {
		if k, name, ok := rule(f); ok {
			return k, name
		}
	}
	return graph.KindBasicEdge, f.Label
}

func edgePrefixRule(f edgeFacts) (graph.Kind, string, bool) {
	if f.Label == "" {
		return "", "", false
	}
	k, ok := edgePrefixes[f.Label[0]]
	if !ok {
		return "", "", false
	}
	return k, strings.TrimSpace(f.Label[1:]), true
}

func edgeColorRule(f edgeFacts) (graph.Kind, string, bool) {
	k, ok := edgeColors[f.Element.Color]
	return k, f.Label, ok
}

func edgeStructuralRule(f edgeFacts) (graph.Kind, string, bool) {
	switch {
	case f.Label != "" && f.Source == graph.KindForm:
		return graph.KindFieldEdge, f.Label, true
	case f.Label != "" && f.Source == graph.KindChoice:
		return graph.KindChoiceEdge, f.Label, true
	case f.Label == "" && (f.Target == graph.KindContent || f.Target == graph.KindReference):
		return graph.KindWriteEdge, "", true
	case f.Label == "" && f.Source == graph.KindCall && f.Target == graph.KindCall:
		return graph.KindChatEdge, "", true
	case f.Label != "":
		return graph.KindVariableEdge, f.Label, true
	}
	return "", "", false
}
