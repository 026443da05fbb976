package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC), ID: "fp_0a1b"}

	got, err := Decode(c.Encode())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CreatedAt.Equal(c.CreatedAt))
	assert.Equal(t, c.ID, got.ID)
}

func TestDecode_EmptyIsFirstPage(t *testing.T) {
	c, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, token := range []string{
		"!!",
		base64.RawURLEncoding.EncodeToString([]byte("no-separator")),
		base64.RawURLEncoding.EncodeToString([]byte("abc:fp_1")),
		base64.RawURLEncoding.EncodeToString([]byte("123:")),
	} {
		_, err := Decode(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, "token %q", token)
	}
}

func TestCursor_Follows(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := Cursor{CreatedAt: at, ID: "m"}

	assert.True(t, c.Follows(at.Add(-time.Second), "z"))
	assert.False(t, c.Follows(at.Add(time.Second), "a"))
	assert.True(t, c.Follows(at, "a"))
	assert.False(t, c.Follows(at, "m"))
	assert.False(t, c.Follows(at, "z"))
}

type row struct {
	at time.Time
	id string
}

func TestPaginate(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{base.Add(3), "c"}, {base.Add(2), "b"}, {base.Add(1), "a"}}
	key := func(r row) Cursor { return Cursor{CreatedAt: r.at, ID: r.id} }

	page := Paginate(rows, 2, key)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	next, err := Decode(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)

	last := Paginate(rows[2:], 2, key)
	assert.Len(t, last.Items, 1)
	assert.False(t, last.HasMore)
	assert.Empty(t, last.NextCursor)

	all := Paginate(rows, 0, key)
	assert.Len(t, all.Items, 3)
	assert.False(t, all.HasMore)
}
