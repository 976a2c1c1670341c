package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Params is a limit/offset window over a newest-first listing.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads "limit" and "offset" query parameters, clamping them to
// sane bounds.
func FromContext(c echo.Context) Params {
	return New(atoi(c.QueryParam("limit")), atoi(c.QueryParam("offset")))
}

func New(limit, offset int) Params {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Probe is the row count to fetch: one past the page so NewPage can tell
// whether another page follows.
func (p Params) Probe() int {
	return p.Limit + 1
}

// Page is the JSON envelope for a listing. NextOffset is set only when more
// items follow.
type Page[T any] struct {
	Items      []T  `json:"items"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	NextOffset *int `json:"nextOffset,omitempty"`
}

// NewPage trims items fetched with Probe down to the page.
func NewPage[T any](items []T, p Params) Page[T] {
	page := Page[T]{Items: items, Limit: p.Limit, Offset: p.Offset}
	if page.Items == nil {
		page.Items = []T{}
	}
	if len(items) > p.Limit {
		page.Items = items[:p.Limit]
		next := p.Offset + p.Limit
		page.NextOffset = &next
	}
	return page
}
