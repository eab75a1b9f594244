package points

// Query is the filter/sort/page envelope used by the list endpoints.
type Query struct {
	GlobalFilter  string         `json:"globalFilter"`
	ColumnFilters []ColumnFilter `json:"columnFilters"`
	Sorting       []SortColumn   `json:"sorting"`
	Pagination    Pagination     `json:"pagination"`
}

type ColumnFilter struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type SortColumn struct {
	ID   string `json:"id"`
	Desc bool   `json:"desc"`
}

type Pagination struct {
	PageIndex int `json:"pageIndex"`
	PageSize  int `json:"pageSize"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Normalized clamps pagination to sane bounds.
func (q Query) Normalized() Query {
	if q.Pagination.PageIndex < 0 {
		q.Pagination.PageIndex = 0
	}
	switch {
	case q.Pagination.PageSize <= 0:
		q.Pagination.PageSize = DefaultPageSize
	case q.Pagination.PageSize > MaxPageSize:
		q.Pagination.PageSize = MaxPageSize
	}
	return q
}

func (q Query) Offset() int { return q.Pagination.PageIndex * q.Pagination.PageSize }
func (q Query) Limit() int  { return q.Pagination.PageSize }

// Column returns the value of the named column filter.
func (q Query) Column(id string) (string, bool) {
	for _, f := range q.ColumnFilters {
		if f.ID == id {
			return f.Value, true
		}
	}
	return "", false
}

// Page is one page of a filtered listing.
type Page[T any] struct {
	Items     []T `json:"items"`
	Total     int `json:"total"`
	PageIndex int `json:"pageIndex"`
	PageSize  int `json:"pageSize"`
}

// Ledger and refund listings accept these column ids for filters and sorts.
const (
	ColIsCredit    = "isCredit"
	ColCreatedAt   = "createdAt"
	ColPoints      = "points"
	ColDescription = "description"

	ColType        = "type"
	ColStatus      = "status"
	ColUsername    = "username"
	ColRequestedOn = "requestedOn"
	ColMonths      = "refundingMonths"
	ColParentID    = "parentId"
)
