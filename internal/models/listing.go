package models

import "time"

// Listing is one priced entry returned by the marketplace search.
type Listing struct {
	ID       string    `json:"id"`
	TargetID string    `json:"target_id"`
	Title    string    `json:"title,omitempty"`
	Price    float64   `json:"price"`
	Currency string    `json:"currency,omitempty"`
	Seller   string    `json:"seller,omitempty"`
	URL      string    `json:"url,omitempty"`
	ListedAt time.Time `json:"listed_at,omitempty"`
}

// SearchFilters narrows a marketplace search.
type SearchFilters struct {
	MinPrice float64
	MaxPrice float64
	Limit    int
}

// Benchmarks are the reference prices a scorer compares listings against.
type Benchmarks struct {
	Price float64 `json:"price"`
}

// Score is the scorer's verdict for a listing.
type Score struct {
	Value     float64 `json:"value"`
	Qualifies bool    `json:"qualifies"`
}
