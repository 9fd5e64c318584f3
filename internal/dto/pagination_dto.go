package dto

// PaginationMeta mirrors the backend pagination block of list endpoints.
type PaginationMeta struct {
	CurrentPage int `json:"currentPage"`
	TotalPages  int `json:"totalPages"`
	Total       int `json:"total"`
	Limit       int `json:"limit"`
}

// HasMore reports whether pages after the current one exist.
func (p PaginationMeta) HasMore() bool {
	return p.CurrentPage < p.TotalPages
}

// ListResponse is the list envelope returned by backend collection endpoints.
// Older endpoints return the entries under "data", newer ones under "items".
type ListResponse[T any] struct {
	Items      []T            `json:"items"`
	Data       []T            `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// Entries returns whichever entry list the endpoint filled.
func (r ListResponse[T]) Entries() []T {
	if len(r.Items) > 0 {
		return r.Items
	}
	if r.Data != nil {
		return r.Data
	}
	return []T{}
}

// PageResponse is what the bridge returns for a fetched page.
type PageResponse[T any] struct {
	Items      []T      `json:"items"`
	Pagination PageMeta `json:"pagination"`
}

// PageMeta is the pagination block exposed to the UI layer.
type PageMeta struct {
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	Total       int  `json:"total"`
	Limit       int  `json:"limit"`
	HasMore     bool `json:"has_more"`
}
