package scan

import "relentless-harvester/internal/models"

// ScoreFunc rates a listing against the target's benchmarks. It must be pure.
type ScoreFunc func(target models.ScanTarget, listing models.Listing, benchmarks models.Benchmarks) models.Score

// DiscountScorer scores a listing by its discount off the benchmark price and qualifies
// it when the discount is at least minDiscount (0.2 means 20% under benchmark).
// Listings for targets without a benchmark never qualify.
func DiscountScorer(minDiscount float64) ScoreFunc {
	return func(_ models.ScanTarget, listing models.Listing, benchmarks models.Benchmarks) models.Score {
		if benchmarks.Price <= 0 || listing.Price <= 0 {
			return models.Score{}
		}
		value := (benchmarks.Price - listing.Price) / benchmarks.Price
		return models.Score{Value: value, Qualifies: value >= minDiscount}
	}
}
