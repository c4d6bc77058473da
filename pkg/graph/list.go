package graph

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var listItem = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+(.+?)\s*$`)

// SplitList turns a node result into list elements. It accepts a JSON
// array, then a markdown bullet or numbered list, then, when path is set,
// the array or value found at that gjson path. Anything else is a single
// element; blank text is an empty list.
func SplitList(s, path string) []string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if gjson.Valid(trimmed) {
		if r := gjson.Parse(trimmed); r.IsArray() {
			return resultItems(r)
		}
	}
	if ms := listItem.FindAllStringSubmatch(trimmed, -1); len(ms) > 0 {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m[1]
		}
		return out
	}
	if path != "" && gjson.Valid(trimmed) {
		if r := gjson.Get(trimmed, path); r.Exists() {
			if r.IsArray() {
				return resultItems(r)
			}
			return []string{resultString(r)}
		}
	}
	return []string{trimmed}
}

func resultItems(r gjson.Result) []string {
	arr := r.Array()
	out := make([]string, len(arr))
	for i, el := range arr {
		out[i] = resultString(el)
	}
	return out
}

// resultString keeps strings unquoted and everything else as raw JSON.
func resultString(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.Str
	}
	return r.Raw
}
