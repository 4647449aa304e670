package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract runs the behaviour every backend must share.
func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "doc1", []byte(`{"ops":[]}`)))
	got, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, `{"ops":[]}`, string(got))

	// last write wins
	require.NoError(t, s.Save(ctx, "doc1", []byte(`{"ops":[{"insert":"hi"}]}`)))
	got, err = s.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, `{"ops":[{"insert":"hi"}]}`, string(got))

	// documents are independent
	require.NoError(t, s.Save(ctx, "doc2", []byte(`{"ops":[{"insert":"other"}]}`)))
	got, err = s.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, `{"ops":[{"insert":"hi"}]}`, string(got))
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	testStoreContract(t, s)
}

func TestMemory_CopiesSnapshots(t *testing.T) {
	s := NewMemory()
	buf := []byte("abc")
	require.NoError(t, s.Save(context.Background(), "doc", buf))
	buf[0] = 'x'

	got, err := s.Load(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "docs.sqlite3"))
	require.NoError(t, err)
	defer s.Close()
	testStoreContract(t, s)
}

func TestSQLite_KeepsSaveHistory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "docs.sqlite3"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "doc", []byte("one")))
	require.NoError(t, s.Save(ctx, "doc", []byte("two")))
	// unchanged snapshots do not add history
	require.NoError(t, s.Save(ctx, "doc", []byte("two")))

	doc, err := s.History(ctx, "doc")
	require.NoError(t, err)
	changes, err := doc.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 2)

	first, err := doc.Fork(changes[0].Hash())
	require.NoError(t, err)
	snapshot, err := HistorySnapshot(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(snapshot))
}

func TestSQLite_CompactsLongHistory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "docs.sqlite3"))
	require.NoError(t, err)
	defer s.Close()
	s.MaxHistory = 3

	historyLen := func() int {
		doc, err := s.History(ctx, "doc")
		require.NoError(t, err)
		changes, err := doc.Changes()
		require.NoError(t, err)
		return len(changes)
	}

	for i, snapshot := range []string{"a", "ab", "abc"} {
		require.NoError(t, s.Save(ctx, "doc", []byte(snapshot)))
		assert.Equal(t, i+1, historyLen())
	}

	require.NoError(t, s.Save(ctx, "doc", []byte("abcd")))
	assert.Equal(t, 1, historyLen())
	got, err := s.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))

	require.NoError(t, s.Save(ctx, "doc", []byte("abcde")))
	assert.Equal(t, 2, historyLen())
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docs.sqlite3")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "doc", []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestBolt(t *testing.T) {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "docs.bolt"))
	require.NoError(t, err)
	defer s.Close()
	testStoreContract(t, s)
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, DriverMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, DriverBolt, filepath.Join(t.TempDir(), "x.bolt"))
	require.NoError(t, err)
	assert.IsType(t, &Bolt{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "mongo", "")
	require.ErrorIs(t, err, ErrUnknownDriver)
}
