package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/docsync/pkg/delta"
	"github.com/astromechza/docsync/pkg/relay"
	"github.com/astromechza/docsync/pkg/store"
)

func TestEdit_AppendsLinesAndPrintsText(t *testing.T) {
	s := store.NewMemory()
	r := relay.New(s, relay.Options{})
	server := relay.NewServer(r, relay.ServerOptions{})
	srv := httptest.NewServer(server)
	defer srv.Close()
	defer server.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"

	var out bytes.Buffer
	err := runEdit(context.Background(), "doc1", endpoint, 20*time.Millisecond, 5*time.Second, false, strings.NewReader("hello\nworld\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", out.String())

	require.Eventually(t, func() bool {
		raw, err := s.Load(context.Background(), "doc1")
		if err != nil {
			return false
		}
		saved, err := delta.Parse(raw)
		return err == nil && saved.Text() == "hello\nworld\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInspect_PrintsSnapshotAndHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docs.sqlite3")
	s, err := store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "doc1", []byte(`{"ops":[]}`)))
	require.NoError(t, s.Save(ctx, "doc1", []byte(`{"ops":[{"insert":"hi\n"}]}`)))
	require.NoError(t, s.Close())

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"inspect", "doc1", "--store-dsn", path, "--svg", filepath.Join(t.TempDir(), "history.svg")})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "document doc1: 1 ops, length 3", lines[0])
	assert.Equal(t, "hi", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "   0 "))
	assert.True(t, strings.HasPrefix(lines[3], "   1 "))
}

func TestInspect_UnknownDocument(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"inspect", "missing", "--store-dsn", filepath.Join(t.TempDir(), "docs.sqlite3")})
	err := cmd.Execute()
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRelay_RejectsInvalidFlags(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"relay", "--store-driver", "mongo"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}
