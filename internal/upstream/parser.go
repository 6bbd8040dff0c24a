package upstream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"relentless-harvester/internal/models"
)

type searchResponse struct {
	Listings []listingDoc `json:"listings"`
	Total    int          `json:"total"`
}

type listingDoc struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Price    flexFloat `json:"price"`
	Currency string    `json:"currency"`
	Seller   string    `json:"seller"`
	URL      string    `json:"url"`
	ListedAt string    `json:"listed_at"`
}

// flexFloat accepts prices sent as numbers or as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return nil
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// ParseSearchResponse parses marketplace search JSON into listings for targetID.
// Entries without an id are dropped.
func ParseSearchResponse(body []byte, targetID string) ([]models.Listing, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &DecodeError{Err: err}
	}
	listings := make([]models.Listing, 0, len(resp.Listings))
	for _, doc := range resp.Listings {
		if doc.ID == "" {
			continue
		}
		l := models.Listing{
			ID:       doc.ID,
			TargetID: targetID,
			Title:    doc.Title,
			Price:    float64(doc.Price),
			Currency: doc.Currency,
			Seller:   doc.Seller,
			URL:      doc.URL,
		}
		if doc.ListedAt != "" {
			if t, err := time.Parse(time.RFC3339, doc.ListedAt); err == nil {
				l.ListedAt = t.UTC()
			}
		}
		listings = append(listings, l)
	}
	return listings, nil
}
