// Package classify derives the descriptive labels stored on warehouse
// dimensions from raw numeric inputs. Every function is pure.
package classify

import "math"

// Stock status labels.
const (
	OutOfStock = "Out of Stock"
	LowStock   = "Low Stock"
	InStock    = "In Stock"
)

// Rating labels.
const (
	Excellent = "Excellent"
	Good      = "Good"
	Average   = "Average"
	Poor      = "Poor"
)

// Price range labels.
const (
	Budget   = "Budget"
	MidRange = "Mid-range"
	Premium  = "Premium"
)

// lowStockThreshold is the first quantity considered fully in stock.
const lowStockThreshold = 10

// StockStatus labels a stock quantity. Negative quantities are out of stock.
func StockStatus(quantity int) string {
	switch {
	case quantity <= 0:
		return OutOfStock
	case quantity < lowStockThreshold:
		return LowStock
	default:
		return InStock
	}
}

// RatingLabel buckets a quality score. Bands are inclusive on their lower
// bound and checked from the top.
func RatingLabel(score float64) string {
	switch {
	case score >= 4.5:
		return Excellent
	case score >= 3.5:
		return Good
	case score >= 2.5:
		return Average
	default:
		return Poor
	}
}

// PriceRange buckets a pre-tax price.
func PriceRange(price float64) string {
	switch {
	case price < 20:
		return Budget
	case price < 50:
		return MidRange
	default:
		return Premium
	}
}

// PriceAfterTax applies a tax rate and rounds to cents.
func PriceAfterTax(price, rate float64) float64 {
	return math.Round(price*(1+rate)*100) / 100
}
