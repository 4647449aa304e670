package viz

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/docsync/pkg/store"
)

func TestRenderHistory(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "docs.sqlite3"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "doc1", []byte(`{"ops":[]}`)))
	require.NoError(t, s.Save(ctx, "doc1", []byte(`{"ops":[{"insert":"hello world\n"}]}`)))
	doc, err := s.History(ctx, "doc1")
	require.NoError(t, err)
	changes, err := doc.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 2)

	var buff bytes.Buffer
	require.NoError(t, RenderHistory(doc, &buff))
	out := buff.String()
	assert.Contains(t, out, "<svg")
	for _, change := range changes {
		assert.Contains(t, out, change.Hash().String()[:8])
	}
	assert.Contains(t, out, "len=12")

	path := filepath.Join(t.TempDir(), "history.svg")
	require.NoError(t, RenderHistoryToFile(doc, path))
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(written), "<svg")
}

func TestDescribe_TruncatesLongText(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "docs.sqlite3"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "doc1", []byte(`{"ops":[{"insert":"abcdefghijklmnopqrstuvwxyz0123456789"}]}`)))
	doc, err := s.History(ctx, "doc1")
	require.NoError(t, err)
	label, err := describe(doc)
	require.NoError(t, err)
	assert.Equal(t, `len=36 "abcdefghijklmnopqrstuvwx..."`, label)
}
