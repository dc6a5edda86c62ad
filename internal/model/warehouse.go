package model

import (
	"strconv"
	"strings"
	"time"
)

// DimensionKind names a dimension table of the star schema.
type DimensionKind string

const (
	KindCategory DimensionKind = "category"
	KindStock    DimensionKind = "stock"
	KindScore    DimensionKind = "score"
	KindPrice    DimensionKind = "price"
	KindTax      DimensionKind = "tax"
)

// Dimension is an immutable attribute tuple stored in one dimension table.
// Two values with the same Key are the same row.
type Dimension interface {
	Kind() DimensionKind
	Key() string
}

// DimCategory is a book category.
type DimCategory struct {
	Name string `json:"name"`
}

// DimStock is a stock quantity with its derived status label.
type DimStock struct {
	Quantity    int    `json:"quantity"`
	StockStatus string `json:"stock_status"`
}

// DimScore is a quality score with its derived rating label.
type DimScore struct {
	Score       float64 `json:"score"`
	RatingLabel string  `json:"rating_label"`
}

// DimPrice is a price point under one tax snapshot. TaxID is part of the
// identity, so the same price under two snapshots is two rows.
type DimPrice struct {
	PriceBeforeTax float64 `json:"price_before_tax"`
	PriceAfterTax  float64 `json:"price_after_tax"`
	PriceRange     string  `json:"price_range"`
	TaxID          int64   `json:"tax_id"`
}

// DimTax is a tax snapshot.
type DimTax struct {
	TaxRate       float64   `json:"tax_rate"`
	EffectiveDate time.Time `json:"effective_date"`
}

// NewDimTax converts a source tax snapshot into its dimension value. The
// date is normalized to UTC microseconds so that it round-trips through
// every supported store unchanged.
func NewDimTax(t TaxRate) DimTax {
	return DimTax{
		TaxRate:       t.Rate,
		EffectiveDate: t.EffectiveDate.UTC().Truncate(time.Microsecond),
	}
}

func (DimCategory) Kind() DimensionKind { return KindCategory }
func (DimStock) Kind() DimensionKind    { return KindStock }
func (DimScore) Kind() DimensionKind    { return KindScore }
func (DimPrice) Kind() DimensionKind    { return KindPrice }
func (DimTax) Kind() DimensionKind      { return KindTax }

func (d DimCategory) Key() string {
	return compositeKey(KindCategory, strconv.Quote(d.Name))
}

func (d DimStock) Key() string {
	return compositeKey(KindStock, strconv.Itoa(d.Quantity), strconv.Quote(d.StockStatus))
}

func (d DimScore) Key() string {
	return compositeKey(KindScore, formatFloat(d.Score), strconv.Quote(d.RatingLabel))
}

func (d DimPrice) Key() string {
	return compositeKey(KindPrice,
		formatFloat(d.PriceBeforeTax),
		formatFloat(d.PriceAfterTax),
		strconv.Quote(d.PriceRange),
		strconv.FormatInt(d.TaxID, 10),
	)
}

func (d DimTax) Key() string {
	return compositeKey(KindTax, formatFloat(d.TaxRate), d.EffectiveDate.UTC().Format(time.RFC3339Nano))
}

func compositeKey(kind DimensionKind, parts ...string) string {
	return string(kind) + "|" + strings.Join(parts, "|")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// FactBook is one row of the fact table. Dimension references are nil when
// the source book carried no value for that dimension.
type FactBook struct {
	ID          int64  `json:"id"`
	UPC         string `json:"upc"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
	CategoryID  *int64 `json:"category_id,omitempty"`
	StockID     *int64 `json:"stock_id,omitempty"`
	ScoreID     *int64 `json:"score_id,omitempty"`
	PriceID     int64  `json:"price_id"`
}

// WarehouseStats holds row counts per analytical table.
type WarehouseStats struct {
	Facts      int64 `json:"facts"`
	Categories int64 `json:"categories"`
	Stocks     int64 `json:"stocks"`
	Scores     int64 `json:"scores"`
	Prices     int64 `json:"prices"`
	Taxes      int64 `json:"taxes"`
}
