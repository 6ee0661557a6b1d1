package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// MaxLimit caps the page size a client may request.
const MaxLimit = 100

// Params holds pagination parameters extracted from a request. The zero
// value means the client did not ask for paging and gets everything.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 0 {
		limit = 0
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Bounds returns the half-open index range selecting this page from a
// collection of n items. Without a limit the range covers everything after
// the offset.
func (p Params) Bounds(n int) (lo, hi int) {
	lo = p.Offset
	if lo > n {
		lo = n
	}
	hi = n
	if p.Limit > 0 && lo+p.Limit < n {
		hi = lo + p.Limit
	}
	return lo, hi
}

// HasNext reports whether more results exist after this page.
func (p Params) HasNext(total int) bool {
	if p.Limit <= 0 {
		return false
	}
	return p.Offset+p.Limit < total
}
