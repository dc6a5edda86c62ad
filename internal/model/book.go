package model

import "time"

// Book is a row of the transactional store as read by the ETL, with its
// category name, linked stock record and score flattened in.
type Book struct {
	ID          int64   `json:"id"`
	UPC         string  `json:"upc"`
	Title       string  `json:"title"`
	Price       float64 `json:"price"`
	Description string  `json:"description"`
	ImageURL    string  `json:"image_url"`
	Category    string  `json:"category,omitempty"`

	// StockQuantity comes from the linked stocks row, if one exists.
	StockQuantity *int `json:"stock_quantity,omitempty"`
	// StockInt is the raw quantity column on the books row.
	StockInt int      `json:"stock_int"`
	Score    *float64 `json:"score,omitempty"`
}

// Quantity returns the stock quantity to classify. A linked stock record
// wins over the raw column; a zero raw column counts as no stock info.
func (b Book) Quantity() (int, bool) {
	if b.StockQuantity != nil {
		return *b.StockQuantity, true
	}
	if b.StockInt != 0 {
		return b.StockInt, true
	}
	return 0, false
}

// ScrapedBook is one book as produced by the crawler, before it has been
// normalized into the transactional tables.
type ScrapedBook struct {
	UPC         string   `json:"upc" yaml:"upc"`
	Title       string   `json:"title" yaml:"title"`
	Price       float64  `json:"price" yaml:"price"`
	Description string   `json:"description" yaml:"description"`
	ImageURL    string   `json:"image_url" yaml:"image_url"`
	Category    string   `json:"category" yaml:"category"`
	Stock       *int     `json:"stock,omitempty" yaml:"stock"`
	Score       *float64 `json:"score,omitempty" yaml:"score"`
}

// TaxRate is a tax snapshot. Only the most recent by EffectiveDate is used
// during a transfer.
type TaxRate struct {
	Rate          float64   `json:"rate" yaml:"rate"`
	EffectiveDate time.Time `json:"effective_date" yaml:"effective_date"`
}

// DefaultTaxRate is substituted when the source has no tax snapshot. Its
// fixed effective date keeps repeated runs on the same Tax dimension row.
func DefaultTaxRate() TaxRate {
	return TaxRate{Rate: 0, EffectiveDate: time.Unix(0, 0).UTC()}
}
