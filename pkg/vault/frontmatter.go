package vault

import (
	"bytes"
	"errors"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// note is a parsed file: an optional frontmatter mapping and the body.
// The frontmatter is kept as a node so edits preserve key order and
// comments.
type note struct {
	meta *yaml.Node // mapping node, nil without frontmatter
	body string
}

func parseNote(data string) (note, error) {
	rest, ok := strings.CutPrefix(data, fence+"\n")
	if !ok {
		return note{body: data}, nil
	}
	var head, body string
	if after, ok := strings.CutPrefix(rest, fence); ok {
		body = after
	} else {
		end := strings.Index(rest, "\n"+fence)
		if end < 0 {
			return note{body: data}, nil
		}
		head, body = rest[:end], rest[end+len(fence)+1:]
	}
	body = strings.TrimPrefix(body, "\n")

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(head), &doc); err != nil {
		return note{}, err
	}
	n := note{body: body}
	if len(doc.Content) > 0 {
		if doc.Content[0].Kind != yaml.MappingNode {
			return note{}, errors.New("frontmatter is not a mapping")
		}
		n.meta = doc.Content[0]
	}
	return n, nil
}

func (n note) render() (string, error) {
	if n.meta == nil || len(n.meta.Content) == 0 {
		return n.body, nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(n.meta); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return fence + "\n" + buf.String() + fence + "\n" + n.body, nil
}

// property returns a scalar value as written and anything else as YAML.
func (n note) property(key string) (string, bool, error) {
	v := n.lookup(key)
	if v == nil {
		return "", false, nil
	}
	if v.Kind == yaml.ScalarNode {
		return v.Value, true, nil
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(string(out)), true, nil
}

func (n note) lookup(key string) *yaml.Node {
	if n.meta == nil {
		return nil
	}
	for i := 0; i+1 < len(n.meta.Content); i += 2 {
		if n.meta.Content[i].Value == key {
			return n.meta.Content[i+1]
		}
	}
	return nil
}

// setProperty stores value as a string scalar, or as a sequence when it
// is a YAML flow list such as "[a, b]".
func (n *note) setProperty(key, value string) error {
	if n.meta == nil {
		n.meta = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
	val := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
	if strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]") {
		var doc yaml.Node
		if err := yaml.Unmarshal([]byte(value), &doc); err == nil && len(doc.Content) == 1 && doc.Content[0].Kind == yaml.SequenceNode {
			val = doc.Content[0]
		}
	}
	if old := n.lookup(key); old != nil {
		*old = *val
		return nil
	}
	n.meta.Content = append(n.meta.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, val)
	return nil
}
