package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Window is the slice of a list a request asked for.
type Window struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing or invalid values fall back
// to DefaultLimit and 0; limit is capped at MaxLimit.
func FromContext(c echo.Context) Window {
	return Window{
		Limit:  clamp(c.QueryParam("limit"), DefaultLimit, MaxLimit),
		Offset: clamp(c.QueryParam("offset"), 0, -1),
	}
}

// clamp parses v, using def for anything missing or negative and capping at
// max when max is positive.
func clamp(v string, def, max int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || (n == 0 && def > 0) {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// Page is the body of every list endpoint: staff, patients and plans.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewPage wraps one window of items. A nil slice is sent as an empty array so
// clients never see "data": null.
func NewPage[T any](items []T, total int, w Window) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Data:    items,
		Total:   total,
		Limit:   w.Limit,
		Offset:  w.Offset,
		HasMore: w.Offset+len(items) < total,
	}
}
