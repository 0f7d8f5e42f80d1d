package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	DefaultLimit = 10
	MaxLimit     = 250
)

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit,default=10"`
}

type Cursor struct {
	CreatedAt string `json:"created_at,omitempty"`
	ID        string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}

	return &cursor, nil
}

// NewCursor encodes the keyset position of a row ordered by (created_at, id).
func NewCursor(createdAt time.Time, id string) string {
	c, _ := EncodeCursor(Cursor{CreatedAt: createdAt.UTC().Format(time.RFC3339Nano), ID: id})
	return c
}

func (p Pagination) limit() int {
	switch {
	case p.Limit <= 0:
		return DefaultLimit
	case p.Limit > MaxLimit:
		return MaxLimit
	}
	return p.Limit
}

// Scope orders by (created_at, id) ascending, resumes after the cursor and
// fetches one extra row so BuildCursorPageInfo can tell whether more exist.
func (p Pagination) Scope() (func(*gorm.DB) *gorm.DB, error) {
	var after *Cursor
	var afterAt time.Time
	if p.Cursor != "" {
		c, err := DecodeCursor(p.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		afterAt, err = time.Parse(time.RFC3339Nano, c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		after = c
	}

	limit := p.limit()
	return func(db *gorm.DB) *gorm.DB {
		if after != nil {
			db = db.Where("(created_at > ?) OR (created_at = ? AND id > ?)", afterAt, afterAt, after.ID)
		}
		return db.Order("created_at ASC").Order("id ASC").Limit(limit + 1)
	}, nil
}

// BuildCursorPageInfo trims the look-ahead row and returns the page with its info.
func BuildCursorPageInfo[T any](data []*T, p Pagination, extractCursor func(*T) string) ([]*T, *PageInfo) {
	limit := p.limit()
	if len(data) == 0 {
		return data, &PageInfo{HasMore: false}
	}

	hasMore := false
	if len(data) > limit {
		hasMore = true
		data = data[:limit]
	}

	info := &PageInfo{HasMore: hasMore}
	if hasMore {
		info.NextCursor = extractCursor(data[len(data)-1])
	}
	return data, info
}
