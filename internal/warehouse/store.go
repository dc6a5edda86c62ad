// Package warehouse persists the analytical star schema: four dimension
// tables reachable from fact_books, the tax dimension behind dim_price, and
// the etl_runs log.
package warehouse

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/book-etl/internal/model"
)

// Store is the analytical store. Writes go through a Tx; everything else
// is a single statement.
type Store interface {
	// Begin opens a unit of work. Nothing written through it is durable
	// until Commit.
	Begin(ctx context.Context) (Tx, error)

	// Stats returns row counts per table.
	Stats(ctx context.Context) (*model.WarehouseStats, error)

	// Run log
	StartRun(ctx context.Context) (*model.RunEntry, error)
	CompleteRun(ctx context.Context, runID string, report *model.TransferReport) error
	FailRun(ctx context.Context, runID string, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Drop(ctx context.Context) error
	Close() error
}

// Tx is an open unit of work against the warehouse. Reads see rows written
// earlier in the same Tx.
type Tx interface {
	FactExists(ctx context.Context, upc string) (bool, error)
	// FindDimension returns the id of the row whose attributes all equal d's.
	FindDimension(ctx context.Context, d model.Dimension) (int64, bool, error)
	InsertDimension(ctx context.Context, d model.Dimension) (int64, error)
	InsertFact(ctx context.Context, f *model.FactBook) (int64, error)

	// Savepoint marks the start of one record's work. RollbackToSavepoint
	// undoes only what was written since the mark; ReleaseSavepoint keeps it.
	Savepoint(ctx context.Context) error
	ReleaseSavepoint(ctx context.Context) error
	RollbackToSavepoint(ctx context.Context) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// savepointName is shared by both backends; records never nest.
const savepointName = "etl_record"

// dimensionColumns maps a dimension value to its table, columns and bind
// values. Column order is the same for lookups and inserts.
func dimensionColumns(d model.Dimension) (string, []string, []any, error) {
	switch v := d.(type) {
	case model.DimCategory:
		return "dim_category", []string{"name"}, []any{v.Name}, nil
	case model.DimStock:
		return "dim_stock", []string{"quantity", "stock_status"}, []any{v.Quantity, v.StockStatus}, nil
	case model.DimScore:
		return "dim_score", []string{"score", "rating_label"}, []any{v.Score, v.RatingLabel}, nil
	case model.DimPrice:
		return "dim_price",
			[]string{"price_before_tax", "price_after_tax", "price_range", "tax_id"},
			[]any{v.PriceBeforeTax, v.PriceAfterTax, v.PriceRange, v.TaxID}, nil
	case model.DimTax:
		return "dim_tax", []string{"tax_rate", "effective_date"}, []any{v.TaxRate, v.EffectiveDate}, nil
	default:
		return "", nil, nil, eris.Errorf("warehouse: unsupported dimension %T", d)
	}
}

// factColumns lists fact_books columns in insert order.
var factColumns = []string{
	"upc", "title", "description", "image_url",
	"category_id", "stock_id", "score_id", "price_id",
}

func factValues(f *model.FactBook) []any {
	return []any{
		f.UPC, f.Title, f.Description, f.ImageURL,
		f.CategoryID, f.StockID, f.ScoreID, f.PriceID,
	}
}

// dropOrder lists tables children-first so foreign keys never block a drop.
var dropOrder = []string{
	"fact_books",
	"dim_price",
	"dim_tax",
	"dim_score",
	"dim_stock",
	"dim_category",
	"etl_runs",
}

// defaultRunLimit caps ListRuns when the caller passes no limit.
const defaultRunLimit = 20
