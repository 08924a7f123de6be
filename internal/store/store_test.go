package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentRoundTripExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")
	doc := &Document{
		Frontmatter: map[string]any{"session_id": "sess-1", "total_tokens": 1234},
		Body:        "Rewrote the parser.\n\nAll tests pass.\n",
	}
	require.NoError(t, WriteDocument(path, doc))

	got, err := ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", getString(got.Frontmatter, "session_id"))
	assert.Equal(t, int64(1234), getInt64(got.Frontmatter, "total_tokens"))
	// The body must come back byte-for-byte, no injected blank line.
	assert.Equal(t, doc.Body, got.Body)
}

func TestDocumentRoundTripEmptyBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")
	doc := &Document{Frontmatter: map[string]any{"key": "value"}, Body: ""}
	require.NoError(t, WriteDocument(path, doc))

	got, err := ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "", got.Body)
}

func TestReadDocumentWithoutFrontmatter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.md")
	content := "# Plain Markdown\n\nNo frontmatter at all.\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := ReadDocument(path)
	require.NoError(t, err)
	assert.Empty(t, got.Frontmatter)
	assert.Equal(t, content, got.Body)
}

func TestReadDocumentMissingFile(t *testing.T) {
	_, err := ReadDocument(filepath.Join(t.TempDir(), "absent.md"))
	assert.Error(t, err)
}

func TestWriteDocumentCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "doc.md")
	require.NoError(t, WriteDocument(path, &Document{Body: "nested"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}

func TestWriteDocumentAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")
	require.NoError(t, WriteDocument(path, &Document{
		Frontmatter: map[string]any{"v": 1},
		Body:        "first",
	}))
	require.NoError(t, WriteDocument(path, &Document{
		Frontmatter: map[string]any{"v": 2},
		Body:        "second",
	}))

	got, err := ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Body)
	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFrontmatterAccessors(t *testing.T) {
	fm := map[string]any{
		"name":    "solve",
		"int_val": 42, "int64_val": int64(7), "float_val": 99.9,
		"flag": true, "off": false,
	}
	assert.Equal(t, "solve", getString(fm, "name"))
	assert.Equal(t, "", getString(fm, "int_val")) // wrong type
	assert.Equal(t, "", getString(fm, "missing"))

	assert.Equal(t, int64(42), getInt64(fm, "int_val"))
	assert.Equal(t, int64(7), getInt64(fm, "int64_val"))
	assert.Equal(t, int64(99), getInt64(fm, "float_val"))
	assert.Equal(t, int64(0), getInt64(fm, "name"))

	assert.True(t, getBool(fm, "flag"))
	assert.False(t, getBool(fm, "off"))
	assert.False(t, getBool(fm, "name"))
	assert.False(t, getBool(fm, "missing"))
}

func TestWithLockSerializesWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")
	ran := false
	err := WithLock(path, DefaultLockTimeout, func() error {
		ran = true
		return WriteDocument(path, &Document{Body: "locked write"})
	})
	require.NoError(t, err)
	assert.True(t, ran)

	body := ""
	err = WithReadLock(path, DefaultLockTimeout, func() error {
		doc, err := ReadDocument(path)
		if err != nil {
			return err
		}
		body = doc.Body
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "locked write", body)
}
