package graph

import (
	"regexp"
	"strings"

	"github.com/ravi-parthasarathy/canvasflow/pkg/llm"
)

const defaultMessageFormat = "{{role}}: {{content}}"

// FormatMessages renders history one message per template application,
// joined by newlines.
func FormatMessages(template string, msgs []llm.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		s := strings.ReplaceAll(template, "{{role}}", string(m.Role))
		lines = append(lines, strings.ReplaceAll(s, "{{content}}", m.Text()))
	}
	return strings.Join(lines, "\n")
}

// ParseMessages splits text into history at role markers derived from the
// template. Text before the first marker and text that matches no marker
// become user messages.
func ParseMessages(template, text string) []llm.Message {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	prefix, suffix, ok := strings.Cut(template, "{{content}}")
	if !ok || !strings.Contains(prefix, "{{role}}") {
		return []llm.Message{llm.TextMessage(llm.RoleUser, strings.TrimSpace(text))}
	}
	before, after, _ := strings.Cut(prefix, "{{role}}")
	header, err := regexp.Compile(`(?im)^` + regexp.QuoteMeta(before) + `(user|assistant|system)` + regexp.QuoteMeta(after))
	if err != nil {
		return []llm.Message{llm.TextMessage(llm.RoleUser, strings.TrimSpace(text))}
	}
	locs := header.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []llm.Message{llm.TextMessage(llm.RoleUser, strings.TrimSpace(text))}
	}

	var out []llm.Message
	add := func(role llm.Role, body string) {
		if body = strings.TrimSpace(body); body != "" {
			out = append(out, llm.TextMessage(role, body))
		}
	}
	add(llm.RoleUser, text[:locs[0][0]])
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		role := text[loc[2]:loc[3]]
		closing := strings.TrimSpace(strings.ReplaceAll(suffix, "{{role}}", role))
		body, rest := text[loc[1]:end], ""
		if closing != "" {
			if j := strings.LastIndex(body, closing); j >= 0 {
				body, rest = body[:j], body[j+len(closing):]
			}
		}
		add(llm.ParseRole(role), body)
		add(llm.RoleUser, rest)
	}
	return out
}
