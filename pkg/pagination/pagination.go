package pagination

const (
	// DefaultLimit is the standard page size when a limit is not provided.
	DefaultLimit = 25
	// MaxLimit caps how many rows any list query can request.
	MaxLimit = 100
)

// Params holds offset pagination inputs from controllers or services.
type Params struct {
	Limit  int
	Offset int
}

// NormalizeLimit enforces the configured default and maximum limits.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Normalize clamps the limit and floors the offset at zero.
func (p Params) Normalize() Params {
	p.Limit = NormalizeLimit(p.Limit)
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Page is the list response shape shared by catalog and user listings.
type Page[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	// NextOffset is nil on the last page.
	NextOffset *int `json:"next_offset,omitempty"`
}

// NewPage trims the one-row lookahead fetched by the repository and computes NextOffset.
func NewPage[T any](rows []T, p Params) Page[T] {
	page := Page[T]{Items: rows, Limit: p.Limit, Offset: p.Offset}
	if len(rows) > p.Limit {
		page.Items = rows[:p.Limit]
		next := p.Offset + p.Limit
		page.NextOffset = &next
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page
}
