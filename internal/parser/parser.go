// Package parser reads and writes Markdown files that carry a YAML
// frontmatter block.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoFrontmatter is returned by Decode when the file has no
// frontmatter block.
var ErrNoFrontmatter = errors.New("parser: no frontmatter")

const delim = "---"

// Split separates YAML frontmatter (between leading --- delimiters) from
// the Markdown body. If no frontmatter is found the entire content is body
// and front is nil.
func Split(data []byte) (front []byte, body string) {
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	front = rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	return front, strings.TrimLeft(string(afterDelim), "\n\r")
}

// Decode unmarshals the frontmatter of data into v and returns the body.
func Decode(data []byte, v any) (string, error) {
	front, body := Split(data)
	if front == nil {
		return body, ErrNoFrontmatter
	}
	if err := yaml.Unmarshal(front, v); err != nil {
		return body, fmt.Errorf("parser: frontmatter: %w", err)
	}
	return body, nil
}

// Encode renders v as frontmatter followed by body.
func Encode(v any, body string) ([]byte, error) {
	front, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("parser: frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(delim + "\n")
	buf.Write(front)
	buf.WriteString(delim + "\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// Title returns the first H1 heading of body, or the empty string.
func Title(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
