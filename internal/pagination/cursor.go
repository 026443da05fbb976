// Package pagination implements keyset paging over newest-first result sets
// ordered by (createdAt, id).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned by Decode for tokens it did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a page. The next page holds the rows that
// sort strictly after it in (createdAt DESC, id DESC) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque, URL-safe token for c.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Follows reports whether a row keyed (createdAt, id) belongs on a page after c.
func (c Cursor) Follows(createdAt time.Time, id string) bool {
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}

// Decode parses a token produced by Encode. An empty token yields a nil
// cursor, meaning the first page.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page is one slice of a paged listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Paginate trims rows fetched with limit+1 down to limit and derives the
// cursor for the next page from the last kept row.
func Paginate[T any](rows []T, limit int, key func(T) Cursor) Page[T] {
	if limit <= 0 || len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	rows = rows[:limit]
	return Page[T]{
		Items:      rows,
		NextCursor: key(rows[len(rows)-1]).Encode(),
		HasMore:    true,
	}
}
