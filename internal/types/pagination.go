package types

// DefaultListLimit and MaxListLimit bound list endpoints.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// PageInfo contains pagination metadata for list responses.
type PageInfo struct {
	HasMore bool `json:"has_more"`
	Limit   int  `json:"limit"`
}

// ListResponse is a generic list response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}

// ClampLimit normalizes a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
