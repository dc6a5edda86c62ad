package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/book-etl/internal/db"
	"github.com/sells-group/book-etl/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse postgres: parse config")
	}

	// A transfer holds one connection; the rest serve the run log and stats.
	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "warehouse postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS dim_category (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS dim_stock (
	id           BIGSERIAL PRIMARY KEY,
	quantity     INTEGER NOT NULL,
	stock_status TEXT NOT NULL,
	UNIQUE (quantity, stock_status)
);

CREATE TABLE IF NOT EXISTS dim_score (
	id           BIGSERIAL PRIMARY KEY,
	score        DOUBLE PRECISION NOT NULL,
	rating_label TEXT NOT NULL,
	UNIQUE (score, rating_label)
);

CREATE TABLE IF NOT EXISTS dim_tax (
	id             BIGSERIAL PRIMARY KEY,
	tax_rate       DOUBLE PRECISION NOT NULL,
	effective_date TIMESTAMPTZ NOT NULL,
	UNIQUE (tax_rate, effective_date)
);

CREATE TABLE IF NOT EXISTS dim_price (
	id               BIGSERIAL PRIMARY KEY,
	price_before_tax DOUBLE PRECISION NOT NULL,
	price_after_tax  DOUBLE PRECISION NOT NULL,
	price_range      TEXT NOT NULL,
	tax_id           BIGINT NOT NULL REFERENCES dim_tax(id),
	UNIQUE (price_before_tax, price_after_tax, price_range, tax_id)
);

CREATE TABLE IF NOT EXISTS fact_books (
	id          BIGSERIAL PRIMARY KEY,
	upc         TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	image_url   TEXT NOT NULL DEFAULT '',
	category_id BIGINT REFERENCES dim_category(id),
	stock_id    BIGINT REFERENCES dim_stock(id),
	score_id    BIGINT REFERENCES dim_score(id),
	price_id    BIGINT NOT NULL REFERENCES dim_price(id)
);

CREATE INDEX IF NOT EXISTS idx_fact_books_category_id ON fact_books(category_id);
CREATE INDEX IF NOT EXISTS idx_fact_books_stock_id ON fact_books(stock_id);
CREATE INDEX IF NOT EXISTS idx_fact_books_score_id ON fact_books(score_id);
CREATE INDEX IF NOT EXISTS idx_fact_books_price_id ON fact_books(price_id);
CREATE INDEX IF NOT EXISTS idx_dim_price_tax_id ON dim_price(tax_id);

CREATE TABLE IF NOT EXISTS etl_runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	transferred  INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     JSONB
);

CREATE INDEX IF NOT EXISTS idx_etl_runs_started_at ON etl_runs(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "warehouse postgres: migrate")
}

func (s *PostgresStore) Drop(ctx context.Context) error {
	for _, table := range dropOrder {
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+db.SanitizeTable(table)+" CASCADE"); err != nil {
			return eris.Wrapf(err, "warehouse postgres: drop %s", table)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse postgres: begin tx")
	}
	return &postgresTx{tx: tx}, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*model.WarehouseStats, error) {
	var st model.WarehouseStats
	err := s.pool.QueryRow(ctx, statsQuery).Scan(
		&st.Facts, &st.Categories, &st.Stocks, &st.Scores, &st.Prices, &st.Taxes,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse postgres: stats")
	}
	return &st, nil
}

const statsQuery = `SELECT
	(SELECT COUNT(*) FROM fact_books),
	(SELECT COUNT(*) FROM dim_category),
	(SELECT COUNT(*) FROM dim_stock),
	(SELECT COUNT(*) FROM dim_score),
	(SELECT COUNT(*) FROM dim_price),
	(SELECT COUNT(*) FROM dim_tax)`

func (s *PostgresStore) StartRun(ctx context.Context) (*model.RunEntry, error) {
	entry := &model.RunEntry{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO etl_runs (id, status, started_at) VALUES ($1, $2, $3)`,
		entry.ID, string(entry.Status), entry.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse postgres: start run")
	}
	return entry, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, report *model.TransferReport) error {
	metaJSON, err := runMetadata(report)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE etl_runs
		 SET status = $1, completed_at = $2, transferred = $3, skipped = $4, failed = $5, metadata = $6
		 WHERE id = $7`,
		string(model.RunStatusComplete), time.Now().UTC(),
		report.Transferred, report.Skipped, report.Failed(), metaJSON, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE etl_runs SET status = $1, completed_at = $2, error = $3 WHERE id = $4`,
		string(model.RunStatusFailed), time.Now().UTC(), errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, started_at, completed_at, transferred, skipped, failed, error, metadata
		 FROM etl_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunEntry
	for rows.Next() {
		var e model.RunEntry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Status, &e.StartedAt, &e.CompletedAt,
			&e.Transferred, &e.Skipped, &e.Failed, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "warehouse postgres: scan run")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		runs = append(runs, e)
	}
	return runs, eris.Wrap(rows.Err(), "warehouse postgres: list runs iterate")
}

// runMetadata serializes the per-record errors of a report.
func runMetadata(report *model.TransferReport) ([]byte, error) {
	if report == nil || len(report.Errors) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(map[string]any{"errors": report.Errors})
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: marshal run metadata")
	}
	return data, nil
}

// postgresTx implements Tx over a pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) FactExists(ctx context.Context, upc string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM fact_books WHERE upc = $1)`, upc,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "warehouse postgres: fact exists %s", upc)
	}
	return exists, nil
}

func (t *postgresTx) FindDimension(ctx context.Context, d model.Dimension) (int64, bool, error) {
	table, cols, vals, err := dimensionColumns(d)
	if err != nil {
		return 0, false, err
	}

	var id int64
	err = t.tx.QueryRow(ctx, db.SelectIDWhere(table, cols, db.Dollar), vals...).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, eris.Wrapf(err, "warehouse postgres: find %s", table)
	}
	return id, true, nil
}

func (t *postgresTx) InsertDimension(ctx context.Context, d model.Dimension) (int64, error) {
	table, cols, vals, err := dimensionColumns(d)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := t.tx.QueryRow(ctx, db.InsertReturningID(table, cols, db.Dollar), vals...).Scan(&id); err != nil {
		return 0, eris.Wrapf(err, "warehouse postgres: insert %s", table)
	}
	return id, nil
}

func (t *postgresTx) InsertFact(ctx context.Context, f *model.FactBook) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		db.InsertReturningID("fact_books", factColumns, db.Dollar), factValues(f)...,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse postgres: insert fact %s", f.UPC)
	}
	f.ID = id
	return id, nil
}

func (t *postgresTx) Savepoint(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, "SAVEPOINT "+savepointName)
	return eris.Wrap(err, "warehouse postgres: savepoint")
}

func (t *postgresTx) ReleaseSavepoint(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+savepointName)
	return eris.Wrap(err, "warehouse postgres: release savepoint")
}

func (t *postgresTx) RollbackToSavepoint(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointName)
	return eris.Wrap(err, "warehouse postgres: rollback to savepoint")
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return eris.Wrap(t.tx.Commit(ctx), "warehouse postgres: commit")
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return eris.Wrap(err, "warehouse postgres: rollback")
}
