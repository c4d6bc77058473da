package refs_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/canvasflow/pkg/refs"
)

func TestParse_Kinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want refs.Ref
	}{
		{"{{topic}}", refs.Ref{Kind: refs.Variable, Name: "topic"}},
		{"{{ topic }}", refs.Ref{Kind: refs.Variable, Name: "topic"}},
		{"{{[[Daily]]}}", refs.Ref{Kind: refs.Note, Name: "Daily"}},
		{"{{[[Daily]]|mood}}", refs.Ref{Kind: refs.NoteProperty, Name: "Daily", Property: "mood"}},
		{"{{[Prompt]}}", refs.Ref{Kind: refs.Floating, Name: "Prompt"}},
		{"{{SELECTION}}", refs.Ref{Kind: refs.Selection}},
		{"{{NOTE}}", refs.Ref{Kind: refs.CurrentNote}},
		{"{{+[[title]]}}", refs.Ref{Kind: refs.NewNote, Name: "title"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := refs.Parse(tt.text)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want.Kind, got[0].Kind)
			assert.Equal(t, tt.want.Name, got[0].Name)
			assert.Equal(t, tt.want.Property, got[0].Property)
			assert.Equal(t, tt.text, got[0].Raw)
		})
	}
}

func TestParse_IgnoresEmptyBraces(t *testing.T) {
	t.Parallel()
	assert.Empty(t, refs.Parse("nothing {{}} here"))
	assert.False(t, refs.Has("plain text"))
}

func TestOnly(t *testing.T) {
	t.Parallel()
	r, ok := refs.Only("  {{[[Inbox]]}}\n")
	require.True(t, ok)
	assert.Equal(t, refs.Note, r.Kind)

	_, ok = refs.Only("see {{[[Inbox]]}}")
	assert.False(t, ok)
	_, ok = refs.Only("{{a}}{{b}}")
	assert.False(t, ok)
}

func TestReplace(t *testing.T) {
	t.Parallel()
	out, err := refs.Replace("Write about {{topic}} in {{[[Style]]}}.", func(r refs.Ref) (string, error) {
		return strings.ToUpper(r.Name), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Write about TOPIC in STYLE.", out)
}

func TestReplace_Error(t *testing.T) {
	t.Parallel()
	boom := errors.New("missing")
	_, err := refs.Replace("{{x}}", func(refs.Ref) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}

func TestNames_Distinct(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b"}, refs.Names("{{a}} {{b}} {{a}} {{[[N]]}}"))
}
