package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count/_offset (or limit/offset) from the query string,
// clamping the limit to [1, MaxLimit].
func FromContext(c echo.Context) Params {
	limit := firstInt(c, "_count", "limit")
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset := firstInt(c, "_offset", "offset")
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

func firstInt(c echo.Context, names ...string) int {
	for _, name := range names {
		if v, err := strconv.Atoi(c.QueryParam(name)); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

// Window returns the [start, end) bounds of the page within total items.
func (p Params) Window(total int) (int, int) {
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return start, end
}

// Page returns the slice of items covered by p.
func Page[T any](items []T, p Params) []T {
	start, end := p.Window(len(items))
	return items[start:end]
}

// Response wraps a paginated JSON listing.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// FHIRLinks generates Bundle self/next/previous links for basePath.
func (p Params) FHIRLinks(basePath string, total int) []FHIRLink {
	links := []FHIRLink{{Relation: "self", URL: p.url(basePath, p.Offset)}}

	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: p.url(basePath, p.Offset+p.Limit)})
	}
	if p.HasPrevious() {
		prev := p.Offset - p.Limit
		if prev < 0 {
			prev = 0
		}
		links = append(links, FHIRLink{Relation: "previous", URL: p.url(basePath, prev)})
	}

	return links
}

func (p Params) url(basePath string, offset int) string {
	return fmt.Sprintf("%s?_offset=%d&_count=%d", basePath, offset, p.Limit)
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
