package factory_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/canvasflow/pkg/canvas"
	"github.com/ravi-parthasarathy/canvasflow/pkg/factory"
	"github.com/ravi-parthasarathy/canvasflow/pkg/graph"
)

func box(id, text string, x, y float64) canvas.Element {
	return canvas.Element{ID: id, Type: canvas.TypeText, Text: text, X: x, Y: y, Width: 200, Height: 100}
}

func colored(el canvas.Element, color string) canvas.Element {
	el.Color = color
	return el
}

func frame(id, label string, x, y, w, h float64) canvas.Element {
	return canvas.Element{ID: id, Type: canvas.TypeGroup, Label: label, X: x, Y: y, Width: w, Height: h}
}

func arrow(id, from, to, label string) canvas.EdgeElement {
	return canvas.EdgeElement{ID: id, FromNode: from, ToNode: to, Label: label}
}

func TestBuild_NumericLabelMakesRepeatGroup(t *testing.T) {
	t.Parallel()
	doc := &canvas.Document{
		Nodes: []canvas.Element{
			frame("g", "3", 0, 0, 600, 400),
			box("a", "Say hi", 40, 40),
			box("b", "Again", 300, 40),
		},
		Edges: []canvas.EdgeElement{arrow("e", "a", "b", "")},
	}
	g, err := factory.Build(doc, factory.Options{})
	require.NoError(t, err)

	gr := g.Group("g")
	require.NotNil(t, gr)
	assert.Equal(t, graph.KindRepeatGroup, gr.Kind())
	assert.Equal(t, 3, gr.MaxLoops())
	assert.Equal(t, []string{"a", "b"}, gr.Members())
	assert.Equal(t, graph.KindCall, g.Node("a").Kind())
	assert.Equal(t, graph.KindChatEdge, g.Edge("e").Kind())
	assert.Equal(t, []string{"g"}, g.Node("a").Groups())
}

func TestBuild_BadLoopLabelFailsClosed(t *testing.T) {
	t.Parallel()
	doc := &canvas.Document{
		Nodes: []canvas.Element{
			frame("g", "abc", 0, 0, 600, 400),
			box("a", "Say hi", 40, 40),
			box("b", "Again", 300, 40),
		},
		Edges: []canvas.EdgeElement{arrow("e", "a", "b", "")},
	}
	g, err := factory.Build(doc, factory.Options{})
	require.Error(t, err)
	assert.Nil(t, g)

	var be *factory.BuildError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Errors, 1)
	assert.Equal(t, "g", be.Errors[0].ElementID)
	assert.Contains(t, be.Errors[0].Message, `"abc" is not a positive integer`)

	var ce factory.ConstructionError
	assert.True(t, errors.As(err, &ce))
}

func TestBuild_NestedGroupsAndCrossings(t *testing.T) {
	t.Parallel()
	doc := &canvas.Document{
		Nodes: []canvas.Element{
			frame("outer", "1", 0, 0, 1000, 1000),
			frame("inner", "2", 50, 50, 500, 500),
			box("step", "Step on {{acc}}", 100, 100),
			colored(box("seed", "s", 1200, 300), "3"),
			colored(box("out", "", 1200, 0), "3"),
		},
		Edges: []canvas.EdgeElement{
			arrow("init", "seed", "inner", "acc"),
			arrow("back", "step", "inner", "acc"),
			arrow("done", "step", "out", ""),
		},
	}
	g, err := factory.Build(doc, factory.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"inner", "outer"}, g.Node("step").Groups())
	assert.Equal(t, []string{"outer"}, g.Group("inner").Groups())
	assert.ElementsMatch(t, []string{"inner", "step"}, g.Group("outer").Members())

	back := g.Edge("back")
	assert.True(t, back.Reflexive())
	assert.Equal(t, graph.KindVariableEdge, back.Kind())

	init := g.Edge("init")
	assert.False(t, init.Reflexive())
	assert.Equal(t, []string{"inner", "outer"}, init.CrossingIn())

	done := g.Edge("done")
	assert.Equal(t, graph.KindWriteEdge, done.Kind())
	assert.Equal(t, []string{"inner", "outer"}, done.CrossingOut())

	// step waits for the arrow into its group, never for the reflexive one.
	assert.Equal(t, []graph.Dependency{{IDs: []string{"init"}}}, g.Node("step").Dependencies())
	assert.Equal(t, graph.KindContent, g.Node("out").Kind())
}

func TestBuild_DisabledAndDecorativeElements(t *testing.T) {
	t.Parallel()
	doc := &canvas.Document{
		Nodes: []canvas.Element{
			frame("notes", "", 2000, 0, 600, 600),
			box("tip", "[Tone]\nfriendly", 2100, 100),
			box("a", "Write in a {{[Tone]}} voice", 0, 0),
			colored(box("off", "ignored", 0, 300), canvas.DisabledColor),
			colored(box("b", "", 400, 0), "3"),
		},
		Edges: []canvas.EdgeElement{
			arrow("e", "a", "b", ""),
			arrow("gone", "a", "off", ""),
		},
	}
	g, err := factory.Build(doc, factory.Options{})
	require.NoError(t, err)

	assert.Nil(t, g.Get("notes"), "frame holding only floating nodes is dropped")
	assert.Nil(t, g.Get("off"))
	assert.Nil(t, g.Get("gone"))
	tip, ok := g.Floating("Tone")
	require.True(t, ok)
	assert.Equal(t, "friendly", tip.Content())
	assert.Empty(t, tip.Groups())
	assert.Equal(t, []string{"e"}, g.Node("a").Outgoing())
}

func TestBuild_ValidationProblems(t *testing.T) {
	t.Parallel()
	doc := &canvas.Document{
		Nodes: []canvas.Element{
			box("q", "?Pick one", 0, 0),
			colored(box("c", "", 400, 0), "3"),
		},
		Edges: []canvas.EdgeElement{arrow("e", "q", "c", "")},
	}
	_, err := factory.Build(doc, factory.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one outgoing choice edge")

	g, err := factory.Build(doc, factory.Options{Lenient: true})
	require.NoError(t, err)
	assert.Equal(t, graph.KindChoice, g.Node("q").Kind())
	assert.Equal(t, "Pick one", g.Node("q").Text())
}

func TestBuild_CollectsEveryParseError(t *testing.T) {
	t.Parallel()
	doc := &canvas.Document{
		Nodes: []canvas.Element{box("a", "x", 0, 0), box("a", "y", 0, 0)},
		Edges: []canvas.EdgeElement{arrow("e", "a", "missing", ""), arrow("", "a", "a", "")},
	}
	_, err := factory.Build(doc, factory.Options{})
	var be *factory.BuildError
	require.ErrorAs(t, err, &be)
	assert.Len(t, be.Errors, 3)
}

func TestBuild_RunsEndToEnd(t *testing.T) {
	t.Parallel()
	doc := &canvas.Document{
		Nodes: []canvas.Element{
			colored(box("topic", "owls", 0, 0), "3"),
			box("ask", "Tell me about {{topic}}", 300, 0),
			colored(box("answer", "", 600, 0), "3"),
		},
		Edges: []canvas.EdgeElement{
			arrow("t", "topic", "ask", "topic"),
			arrow("w", "ask", "answer", ""),
		},
	}
	g, err := factory.Build(doc, factory.Options{})
	require.NoError(t, err)

	r, err := graph.NewRun(g, graph.RunContext{Mock: true})
	require.NoError(t, err)
	require.NoError(t, r.Start(t.Context()))
	res, err := r.Wait(t.Context())
	require.NoError(t, err)
	require.NoError(t, res.Err(g))
	assert.Equal(t, "mock response to: Tell me about owls", g.Node("answer").Content())
}

func TestAnnotate_RendersTypedGraph(t *testing.T) {
	t.Parallel()
	doc := &canvas.Document{
		Nodes: []canvas.Element{
			frame("g", "2", 0, 0, 600, 400),
			box("a", "Say hi", 40, 40),
			box("b", "Again", 300, 40),
		},
		Edges: []canvas.EdgeElement{arrow("e", "a", "b", "")},
	}
	g, err := factory.Build(doc, factory.Options{})
	require.NoError(t, err)

	ann := factory.Annotate(g, true)
	assert.Equal(t, canvas.Annotation{Kind: "call", Parent: "g", Status: "pending"}, ann["a"])
	assert.Equal(t, "repeat x3", ann["g"].Kind)

	dot, err := canvas.RenderDOT(doc, ann)
	require.NoError(t, err)
	assert.Contains(t, dot, "cluster_g")
	assert.Contains(t, dot, "[chat]")
}
