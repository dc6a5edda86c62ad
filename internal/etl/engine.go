package etl

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/book-etl/internal/model"
	"github.com/sells-group/book-etl/internal/source"
	"github.com/sells-group/book-etl/internal/warehouse"
)

// Engine runs one full transfer from the source store to the warehouse and
// records it in the warehouse run log.
type Engine struct {
	source    source.Store
	target    warehouse.Store
	batchSize int
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID      string                `json:"run_id,omitempty"`
	Tax        model.TaxRate         `json:"tax"`
	DefaultTax bool                  `json:"default_tax"`
	Report     *model.TransferReport `json:"report"`
	Stats      *model.WarehouseStats `json:"stats,omitempty"`
	Elapsed    time.Duration         `json:"elapsed"`
}

// NewEngine creates a new transfer engine.
func NewEngine(src source.Store, target warehouse.Store, batchSize int) *Engine {
	return &Engine{
		source:    src,
		target:    target,
		batchSize: batchSize,
	}
}

// Run reads every source book and the latest tax rate, then loads them.
// Per-record failures end up in the report; only store failures are
// returned as errors, together with whatever was done before them.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	log := zap.L().With(zap.String("component", "etl.engine"))
	start := time.Now()
	result := &RunResult{Report: &model.TransferReport{}}

	// The run log is closed out even when ctx is cancelled mid-run.
	logCtx := context.WithoutCancel(ctx)

	run, err := e.target.StartRun(ctx)
	if err != nil {
		log.Error("failed to record run start", zap.Error(err))
	} else {
		result.RunID = run.ID
		log = log.With(zap.String("run_id", run.ID))
	}

	fail := func(err error) (*RunResult, error) {
		log.Error("transfer failed", zap.Error(err))
		if result.RunID != "" {
			if logErr := e.target.FailRun(logCtx, result.RunID, err.Error()); logErr != nil {
				log.Error("failed to record run failure", zap.Error(logErr))
			}
		}
		result.Elapsed = time.Since(start)
		return result, err
	}

	books, err := e.source.ListBooks(ctx)
	if err != nil {
		return fail(eris.Wrap(err, "engine: list books"))
	}
	log.Info("source books loaded", zap.Int("count", len(books)))

	tax, err := e.source.LatestTaxRate(ctx)
	if err != nil {
		return fail(eris.Wrap(err, "engine: latest tax rate"))
	}
	if tax == nil {
		def := model.DefaultTaxRate()
		tax = &def
		result.DefaultTax = true
		log.Warn("no tax rate found, using default", zap.Float64("rate", tax.Rate))
	}
	result.Tax = *tax

	loader := NewLoader(e.target, e.batchSize)
	taxID, err := loader.ResolveTax(ctx, *tax)
	if err != nil {
		return fail(eris.Wrap(err, "engine: resolve tax"))
	}

	report, err := loader.Transfer(ctx, books, taxID, *tax)
	result.Report = report
	if err != nil {
		return fail(eris.Wrap(err, "engine: transfer"))
	}

	if result.RunID != "" {
		if err := e.target.CompleteRun(logCtx, result.RunID, report); err != nil {
			log.Error("failed to record run completion", zap.Error(err))
		}
	}

	stats, err := e.target.Stats(ctx)
	if err != nil {
		log.Warn("failed to read warehouse stats", zap.Error(err))
	}
	result.Stats = stats
	result.Elapsed = time.Since(start)

	log.Info("transfer complete",
		zap.Int("transferred", report.Transferred),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Failed()),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}
