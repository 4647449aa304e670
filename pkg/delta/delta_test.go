package delta

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bold = Attributes{"bold": true}

func TestBuilder_MergesAdjacentOps(t *testing.T) {
	d := New().Insert("Hel", nil).Insert("lo", nil).Retain(2, nil).Retain(3, nil).Delete(1).Delete(2)

	require.Len(t, d.Ops, 3)
	assert.Equal(t, "Hello", d.Ops[0].Insert)
	assert.Equal(t, 5, d.Ops[1].Retain)
	assert.Equal(t, 3, d.Ops[2].Delete)
}

func TestBuilder_DifferentAttributesDoNotMerge(t *testing.T) {
	d := New().Insert("a", nil).Insert("b", bold)
	require.Len(t, d.Ops, 2)
}

func TestBuilder_InsertMovesBeforeDelete(t *testing.T) {
	d := New().Retain(1, nil).Delete(2).Insert("x", nil)

	require.Len(t, d.Ops, 3)
	assert.Equal(t, 1, d.Ops[0].Retain)
	assert.Equal(t, "x", d.Ops[1].Insert)
	assert.Equal(t, 2, d.Ops[2].Delete)

	d = New().Delete(2).Insert("x", nil)
	require.Len(t, d.Ops, 2)
	assert.Equal(t, "x", d.Ops[0].Insert)
}

func TestBuilder_IgnoresEmptyOps(t *testing.T) {
	d := New().Insert("", nil).Retain(0, nil).Delete(0)
	assert.Empty(t, d.Ops)
}

func TestLength(t *testing.T) {
	d := New().Insert("héllo", nil).InsertEmbed(map[string]interface{}{"image": "x.png"}, nil)
	assert.Equal(t, 6, d.Length())
	assert.True(t, d.IsDocument())
	assert.Equal(t, "héllo", d.Text())

	change := New().Retain(3, nil).Delete(2).Insert("y", nil)
	assert.Equal(t, 5, change.BaseLength())
	assert.False(t, change.IsDocument())
}

func TestCompose_InsertIntoDocument(t *testing.T) {
	doc := New().Insert("Hello", nil)
	change := New().Retain(5, nil).Insert(" world", nil)

	got := doc.Compose(change)
	assert.True(t, got.Equal(New().Insert("Hello world", nil)))
}

func TestCompose_DeleteFromDocument(t *testing.T) {
	doc := New().Insert("Hello world", nil)
	change := New().Retain(5, nil).Delete(6)

	got := doc.Compose(change)
	assert.True(t, got.Equal(New().Insert("Hello", nil)))
}

func TestCompose_FormatRetain(t *testing.T) {
	doc := New().Insert("Hello", nil)
	change := New().Retain(2, bold)

	got := doc.Compose(change)
	assert.True(t, got.Equal(New().Insert("He", bold).Insert("llo", nil)), "got %v", got.Ops)
}

func TestCompose_RemoveAttributeWithNull(t *testing.T) {
	doc := New().Insert("Hi", bold)
	change := New().Retain(2, Attributes{"bold": nil})

	got := doc.Compose(change)
	assert.True(t, got.Equal(New().Insert("Hi", nil)), "got %v", got.Ops)
}

func TestCompose_RetainOnRetainKeepsNull(t *testing.T) {
	a := New().Retain(2, bold)
	b := New().Retain(2, Attributes{"bold": nil})

	got := a.Compose(b)
	require.Len(t, got.Ops, 1)
	assert.Equal(t, Attributes{"bold": nil}, got.Ops[0].Attributes)
}

func TestCompose_InsertThenDeleteCancels(t *testing.T) {
	a := New().Insert("abc", nil)
	b := New().Delete(3)

	assert.Empty(t, a.Compose(b).Ops)
}

func TestCompose_TwoChanges(t *testing.T) {
	a := New().Retain(1, nil).Insert("X", nil)
	b := New().Retain(2, nil).Insert("Y", nil)

	doc := New().Insert("ab", nil)
	sequential := doc.Compose(a).Compose(b)
	combined := doc.Compose(a.Compose(b))

	assert.Equal(t, "aXYb", sequential.Text())
	assert.True(t, sequential.Equal(combined))
}

func TestCompose_UnicodeOffsets(t *testing.T) {
	doc := New().Insert("日本語", nil)
	change := New().Retain(1, nil).Delete(1).Insert("x", nil)

	assert.Equal(t, "日x語", doc.Compose(change).Text())
}

func TestApply_RejectsOutOfRangeChange(t *testing.T) {
	doc := New().Insert("abc", nil)

	_, err := Apply(doc, New().Retain(3, nil).Delete(1))
	require.ErrorIs(t, err, ErrInvalidOp)

	_, err = Apply(New().Retain(1, nil), New().Insert("x", nil))
	require.ErrorIs(t, err, ErrInvalidOp)

	got, err := Apply(doc, New().Retain(3, nil).Insert("d", nil))
	require.NoError(t, err)
	assert.Equal(t, "abcd", got.Text())
}

func TestApply_RejectsOverflowingLengths(t *testing.T) {
	doc := New().Insert("hello", nil)
	huge := math.MaxInt/2 + 10

	change := New().Retain(huge, nil).Delete(huge)
	assert.Equal(t, math.MaxInt, change.BaseLength())
	_, err := Apply(doc, change)
	require.ErrorIs(t, err, ErrInvalidOp)

	parsed, err := Parse([]byte(`{"ops":[{"retain":4611686018427387913},{"delete":4611686018427387913}]}`))
	require.NoError(t, err)
	_, err = Apply(doc, parsed)
	require.ErrorIs(t, err, ErrInvalidOp)
}

func TestBuilder_MergeSaturates(t *testing.T) {
	d := New().Retain(math.MaxInt-1, nil).Retain(5, nil)
	require.Len(t, d.Ops, 1)
	assert.Equal(t, math.MaxInt, d.Ops[0].Retain)
	assert.Equal(t, math.MaxInt, New().Delete(math.MaxInt).Delete(math.MaxInt).Length())
}

func TestClone_IsDeep(t *testing.T) {
	d := New().Insert("a", Attributes{"color": "red"})
	c := d.Clone()
	c.Ops[0].Attributes["color"] = "blue"

	assert.Equal(t, "red", d.Ops[0].Attributes["color"])
}

func TestJSON_QuillFormat(t *testing.T) {
	d := New().
		Retain(3, nil).
		Insert("bold", bold).
		InsertEmbed(map[string]interface{}{"image": "cat.png"}, nil).
		Delete(2)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"ops":[{"retain":3},{"insert":"bold","attributes":{"bold":true}},{"insert":{"image":"cat.png"}},{"delete":2}]}`,
		string(raw))

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(d))
}

func TestJSON_EmptyDeltaHasOpsArray(t *testing.T) {
	raw, err := json.Marshal(New())
	require.NoError(t, err)
	assert.Equal(t, `{"ops":[]}`, string(raw))
}

func TestJSON_AcceptsBareArray(t *testing.T) {
	d, err := Parse([]byte(`[{"insert":"a"},{"insert":"b"}]`))
	require.NoError(t, err)
	require.Len(t, d.Ops, 1)
	assert.Equal(t, "ab", d.Ops[0].Insert)
}

func TestJSON_RejectsInvalidOps(t *testing.T) {
	cases := map[string]string{
		"empty op":       `{"ops":[{}]}`,
		"two kinds":      `{"ops":[{"insert":"a","delete":1}]}`,
		"negative":       `{"ops":[{"retain":-1}]}`,
		"numeric insert": `{"ops":[{"insert":5}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
		})
	}
}
