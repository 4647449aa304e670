package protocol

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/docsync/pkg/delta"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestEncode_Golden(t *testing.T) {
	g := newGoldie(t)

	frame, err := Encode(SendChanges, delta.New().Retain(5, nil).Insert("bold", delta.Attributes{"bold": true}))
	require.NoError(t, err)
	g.Assert(t, "send-changes", frame)

	frame, err = Encode(LoadDocumentError, nil)
	require.NoError(t, err)
	g.Assert(t, "load-document-error", frame)

	frame, err = Encode(GetDocument, "doc1")
	require.NoError(t, err)
	g.Assert(t, "get-document", frame)
}

func TestDecode_RoundTripsPayload(t *testing.T) {
	frame, err := Encode(GetDocument, "doc1")
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, GetDocument, env.Event)

	var id string
	require.NoError(t, json.Unmarshal(env.Data, &id))
	assert.Equal(t, "doc1", id)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"data":1}`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestConnectionState(t *testing.T) {
	assert.Equal(t, "reconnected", Reconnected.String())
	assert.True(t, Connected.Live())
	assert.True(t, Reconnected.Live())
	assert.False(t, Disconnected.Live())
	assert.False(t, Failed.Live())
	assert.Equal(t, "ConnectionState(42)", ConnectionState(42).String())
}
