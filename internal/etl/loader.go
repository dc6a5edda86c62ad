package etl

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/book-etl/internal/classify"
	"github.com/sells-group/book-etl/internal/model"
	"github.com/sells-group/book-etl/internal/warehouse"
)

// DefaultBatchSize is the number of transferred facts per commit.
const DefaultBatchSize = 10

// Loader writes source books into the warehouse as fact rows, resolving
// each book's dimensions on the way.
type Loader struct {
	target    warehouse.Store
	resolver  *Resolver
	batchSize int
	log       *zap.Logger
}

// NewLoader creates a Loader. A batchSize below 1 uses DefaultBatchSize.
func NewLoader(target warehouse.Store, batchSize int) *Loader {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Loader{
		target:    target,
		resolver:  NewResolver(),
		batchSize: batchSize,
		log:       zap.L().With(zap.String("component", "etl.loader")),
	}
}

// ResolveTax resolves the tax dimension for one run and commits it in its
// own transaction, so it survives any later batch rollback.
func (l *Loader) ResolveTax(ctx context.Context, tax model.TaxRate) (int64, error) {
	tx, err := l.target.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "loader: begin tax tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	id, err := l.resolver.Resolve(ctx, tx, model.NewDimTax(tax))
	if err != nil {
		l.resolver.Abort()
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		l.resolver.Abort()
		return 0, eris.Wrap(err, "loader: commit tax")
	}
	l.resolver.Commit()
	return id, nil
}

// batch is the open unit of work and the records staged in it.
type batch struct {
	tx     warehouse.Tx
	staged []model.Book
}

// Transfer loads books in order. Books whose UPC is already in the
// warehouse are skipped. A failing book is rolled back on its own and
// reported; the rest of the run continues.
//
// The returned error is non-nil only when the warehouse cannot open a
// transaction or ctx is done; the report then covers the books processed
// so far.
func (l *Loader) Transfer(ctx context.Context, books []model.Book, taxID int64, tax model.TaxRate) (*model.TransferReport, error) {
	report := &model.TransferReport{}
	var open *batch

	for _, b := range books {
		if err := ctx.Err(); err != nil {
			if open != nil {
				l.abort(ctx, open, report, err)
			}
			return report, err
		}

		if open == nil {
			tx, err := l.target.Begin(ctx)
			if err != nil {
				return report, eris.Wrap(err, "loader: begin batch")
			}
			open = &batch{tx: tx}
		}

		skipped, err, batchErr := l.load(ctx, open.tx, b, taxID, tax)
		switch {
		case err != nil:
			l.log.Warn("record failed",
				zap.String("upc", b.UPC),
				zap.String("title", b.Title),
				zap.Error(err),
			)
			report.Errors = append(report.Errors, recordError(b, err))
		case skipped:
			report.Skipped++
		default:
			report.Transferred++
			open.staged = append(open.staged, b)
		}

		if batchErr != nil {
			l.abort(ctx, open, report, batchErr)
			open = nil
			continue
		}

		if len(open.staged) >= l.batchSize {
			l.commit(ctx, open, report)
			open = nil
		}
	}

	if open != nil {
		l.commit(ctx, open, report)
	}
	return report, nil
}

// load processes one book inside a savepoint. err is the book's own
// failure; batchErr is set when the open transaction can no longer be used.
func (l *Loader) load(ctx context.Context, tx warehouse.Tx, b model.Book, taxID int64, tax model.TaxRate) (skipped bool, err, batchErr error) {
	if err := tx.Savepoint(ctx); err != nil {
		return false, err, err
	}
	l.resolver.BeginRecord()

	skipped, err = l.stage(ctx, tx, b, taxID, tax)
	if err != nil {
		l.resolver.AbortRecord()
		if rbErr := tx.RollbackToSavepoint(ctx); rbErr != nil {
			return false, err, rbErr
		}
	}
	if relErr := tx.ReleaseSavepoint(ctx); relErr != nil {
		if err == nil {
			// The record's rows are still in the batch; whatever happens to
			// the batch happens to them.
			return skipped, nil, relErr
		}
		return false, err, relErr
	}
	return skipped, err, nil
}

// stage resolves b's dimensions and inserts its fact row.
func (l *Loader) stage(ctx context.Context, tx warehouse.Tx, b model.Book, taxID int64, tax model.TaxRate) (bool, error) {
	exists, err := tx.FactExists(ctx, b.UPC)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	fact := &model.FactBook{
		UPC:         b.UPC,
		Title:       b.Title,
		Description: b.Description,
		ImageURL:    b.ImageURL,
	}

	if b.Category != "" {
		id, err := l.resolver.Resolve(ctx, tx, model.DimCategory{Name: b.Category})
		if err != nil {
			return false, err
		}
		fact.CategoryID = &id
	}

	if q, ok := b.Quantity(); ok {
		id, err := l.resolver.Resolve(ctx, tx, model.DimStock{
			Quantity:    q,
			StockStatus: classify.StockStatus(q),
		})
		if err != nil {
			return false, err
		}
		fact.StockID = &id
	}

	if b.Score != nil {
		id, err := l.resolver.Resolve(ctx, tx, model.DimScore{
			Score:       *b.Score,
			RatingLabel: classify.RatingLabel(*b.Score),
		})
		if err != nil {
			return false, err
		}
		fact.ScoreID = &id
	}

	priceID, err := l.resolver.Resolve(ctx, tx, model.DimPrice{
		PriceBeforeTax: b.Price,
		PriceAfterTax:  classify.PriceAfterTax(b.Price, tax.Rate),
		PriceRange:     classify.PriceRange(b.Price),
		TaxID:          taxID,
	})
	if err != nil {
		return false, err
	}
	fact.PriceID = priceID

	if _, err := tx.InsertFact(ctx, fact); err != nil {
		return false, err
	}
	return false, nil
}

// commit makes the batch durable. On failure the batch is rolled back and
// its staged records are reported as errors.
func (l *Loader) commit(ctx context.Context, open *batch, report *model.TransferReport) {
	if err := open.tx.Commit(ctx); err != nil {
		l.abort(ctx, open, report, err)
		return
	}
	l.resolver.Commit()
	if len(open.staged) > 0 {
		l.log.Info("batch committed", zap.Int("records", len(open.staged)))
	}
}

// abort rolls the batch back and moves its staged records from transferred
// to errors.
func (l *Loader) abort(ctx context.Context, open *batch, report *model.TransferReport, cause error) {
	// ctx may already be done when the run is being cancelled.
	if err := open.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		l.log.Error("batch rollback failed", zap.Error(err))
	}
	l.resolver.Abort()

	if len(open.staged) == 0 {
		return
	}
	l.log.Error("batch rolled back",
		zap.Int("records", len(open.staged)),
		zap.Error(cause),
	)
	batchErr := eris.Wrap(cause, "batch rolled back")
	for _, b := range open.staged {
		report.Errors = append(report.Errors, recordError(b, batchErr))
	}
	report.Transferred -= len(open.staged)
}

func recordError(b model.Book, err error) model.RecordError {
	return model.RecordError{UPC: b.UPC, Title: b.Title, Err: err.Error()}
}
