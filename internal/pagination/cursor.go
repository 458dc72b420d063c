// Package pagination implements keyset cursors over (created_at, id)
// ordered result sets.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidCursor is returned for a cursor this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the last row of the previous page. The next page starts
// strictly after it in (CreatedAt desc, ID desc) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type wireCursor struct {
	T  int64  `json:"t"`
	ID string `json:"id"`
}

// Encode returns an opaque cursor for the row (createdAt, id).
func Encode(createdAt time.Time, id string) string {
	raw, _ := json.Marshal(wireCursor{T: createdAt.UnixNano(), ID: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a cursor from Encode. Empty input means the first page and
// returns nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil || w.ID == "" {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, w.T).UTC(), ID: w.ID}, nil
}

// After reports whether the row (createdAt, id) sorts after c in newest
// first order. A nil cursor admits every row.
func (c *Cursor) After(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Limit clamps a requested page size to [1, maxLimit], using def for
// non-positive requests.
func Limit(requested, def, maxLimit int) int {
	if requested <= 0 {
		return def
	}
	return min(requested, maxLimit)
}

// ComputePage trims items fetched with limit+1 to limit and returns the
// cursor for the next page and whether one exists.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
