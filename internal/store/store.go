// Package store persists session records as markdown documents with YAML
// frontmatter, one file per agent session.
package store

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"
)

// Document is a session file on disk: YAML frontmatter plus a markdown body.
type Document struct {
	Frontmatter map[string]any
	Body        string
}

// ReadDocument reads a session document. A file without frontmatter is
// treated as all body, so hand-edited files still load.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document %s: %w", path, err)
	}

	var matter map[string]any
	body, err := frontmatter.Parse(bytes.NewReader(data), &matter)
	if err != nil {
		return &Document{
			Frontmatter: make(map[string]any),
			Body:        string(data),
		}, nil
	}

	// The writer separates frontmatter and body with one blank line; strip
	// it on the way back so write/read round-trips are exact.
	return &Document{
		Frontmatter: matter,
		Body:        strings.TrimPrefix(string(body), "\n"),
	}, nil
}

// WriteDocument writes a session document atomically.
func WriteDocument(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	var buf bytes.Buffer
	if len(doc.Frontmatter) > 0 {
		buf.WriteString("---\n")
		fm, err := yaml.Marshal(doc.Frontmatter)
		if err != nil {
			return fmt.Errorf("marshaling frontmatter: %w", err)
		}
		buf.Write(fm)
		buf.WriteString("---\n\n")
	}
	buf.WriteString(doc.Body)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// getString returns a string value from frontmatter.
func getString(fm map[string]any, key string) string {
	if s, ok := fm[key].(string); ok {
		return s
	}
	return ""
}

// getInt64 returns an integer value from frontmatter. YAML decodes large
// numbers as int, int64, or float64 depending on magnitude.
func getInt64(fm map[string]any, key string) int64 {
	switch n := fm[key].(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// getBool returns a bool value from frontmatter.
func getBool(fm map[string]any, key string) bool {
	if b, ok := fm[key].(bool); ok {
		return b
	}
	return false
}
