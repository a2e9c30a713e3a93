// Package document parses and renders Markdown files with an optional YAML
// front matter block. Front matter is kept as a yaml.v3 node tree so keys the
// editor does not manage survive a save untouched and in their original order.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	keyTitle       = "title"
	keyDescription = "description"
	delimiter      = "---"
)

// ErrFrontMatter reports a front matter block that is not a YAML mapping.
var ErrFrontMatter = errors.New("invalid front matter")

// Document is a parsed Markdown file.
type Document struct {
	Title       string
	Description string
	Body        string

	front *yaml.Node
	raw   []byte
}

// Parse splits data into front matter and body. Files without a leading
// "---" line are all body.
func Parse(data []byte) (*Document, error) {
	doc := &Document{raw: append([]byte(nil), data...)}
	text := string(data)
	head, body, ok := splitFrontMatter(text)
	if !ok {
		doc.Body = text
		return doc, nil
	}
	doc.Body = body
	if strings.TrimSpace(head) == "" {
		return doc, nil
	}
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(head), &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrontMatter, err)
	}
	if len(root.Content) == 0 {
		return doc, nil
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: expected a mapping", ErrFrontMatter)
	}
	doc.front = &root
	mapping := root.Content[0]
	if v := lookup(mapping, keyTitle); v != nil {
		doc.Title = v.Value
	}
	if v := lookup(mapping, keyDescription); v != nil {
		doc.Description = v.Value
	}
	return doc, nil
}

// Metadata decodes the full front matter into a map.
func (d *Document) Metadata() (map[string]any, error) {
	out := map[string]any{}
	if d == nil || d.front == nil {
		return out, nil
	}
	if err := d.front.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode front matter: %w", err)
	}
	return out, nil
}

// Apply replaces title, description and body and reports whether anything
// changed. Other front matter keys are left as they are.
func (d *Document) Apply(title, description, body string) bool {
	body = NormalizeBody(body)
	changed := d.Title != title || d.Description != description || NormalizeBody(d.Body) != body
	if !changed {
		return false
	}
	if d.front == nil {
		d.front = &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	mapping := d.front.Content[0]
	set(mapping, keyTitle, title, true)
	set(mapping, keyDescription, description, description != "")
	d.Title = title
	d.Description = description
	d.Body = body
	d.raw = nil
	return true
}

// Render serializes the document. An untouched document renders to its
// original bytes.
func (d *Document) Render() ([]byte, error) {
	if d.raw != nil {
		return append([]byte(nil), d.raw...), nil
	}
	var buf bytes.Buffer
	if d.front != nil && len(d.front.Content) == 1 && len(d.front.Content[0].Content) > 0 {
		buf.WriteString(delimiter + "\n")
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(d.front); err != nil {
			return nil, fmt.Errorf("encode front matter: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode front matter: %w", err)
		}
		buf.WriteString(delimiter + "\n")
	}
	buf.WriteString(d.Body)
	return buf.Bytes(), nil
}

// Merge applies an edit to existing file content (nil for a new file) and
// returns the rendered result and whether it differs from existing.
func Merge(existing []byte, title, description, body string) ([]byte, bool, error) {
	doc, err := Parse(existing)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		doc.raw = nil
	}
	changed := doc.Apply(title, description, body)
	out, err := doc.Render()
	if err != nil {
		return nil, false, err
	}
	return out, changed || existing == nil, nil
}

// NormalizeBody converts CRLF to LF and ends non-empty bodies with exactly
// one newline.
func NormalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return ""
	}
	return body + "\n"
}

func splitFrontMatter(text string) (head, body string, ok bool) {
	text = strings.TrimPrefix(text, "\ufeff")
	first, rest, found := strings.Cut(text, "\n")
	if !found || strings.TrimRight(first, "\r ") != delimiter {
		return "", "", false
	}
	offset := 0
	for offset <= len(rest) {
		line, after, more := strings.Cut(rest[offset:], "\n")
		trimmed := strings.TrimRight(line, "\r ")
		if trimmed == delimiter || trimmed == "..." {
			head = rest[:offset]
			if more {
				body = after
			}
			return head, body, true
		}
		if !more {
			break
		}
		offset += len(line) + 1
	}
	return "", "", false
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func set(mapping *yaml.Node, key, value string, create bool) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			node := mapping.Content[i+1]
			style := node.Style
			if strings.Contains(value, "\n") {
				style = yaml.LiteralStyle
			} else if style == yaml.LiteralStyle || style == yaml.FoldedStyle {
				style = 0
			}
			*node = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value, Style: style, LineComment: node.LineComment}
			return
		}
	}
	if !create {
		return
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
