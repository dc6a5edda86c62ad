package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/book-etl/internal/db"
	"github.com/sells-group/book-etl/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "warehouse sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dim_category (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS dim_stock (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	quantity     INTEGER NOT NULL,
	stock_status TEXT NOT NULL,
	UNIQUE (quantity, stock_status)
);

CREATE TABLE IF NOT EXISTS dim_score (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	score        REAL NOT NULL,
	rating_label TEXT NOT NULL,
	UNIQUE (score, rating_label)
);

CREATE TABLE IF NOT EXISTS dim_tax (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	tax_rate       REAL NOT NULL,
	effective_date DATETIME NOT NULL,
	UNIQUE (tax_rate, effective_date)
);

CREATE TABLE IF NOT EXISTS dim_price (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	price_before_tax REAL NOT NULL,
	price_after_tax  REAL NOT NULL,
	price_range      TEXT NOT NULL,
	tax_id           INTEGER NOT NULL REFERENCES dim_tax(id),
	UNIQUE (price_before_tax, price_after_tax, price_range, tax_id)
);

CREATE TABLE IF NOT EXISTS fact_books (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	upc         TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	image_url   TEXT NOT NULL DEFAULT '',
	category_id INTEGER REFERENCES dim_category(id),
	stock_id    INTEGER REFERENCES dim_stock(id),
	score_id    INTEGER REFERENCES dim_score(id),
	price_id    INTEGER NOT NULL REFERENCES dim_price(id)
);

CREATE INDEX IF NOT EXISTS idx_fact_books_category_id ON fact_books(category_id);
CREATE INDEX IF NOT EXISTS idx_fact_books_stock_id ON fact_books(stock_id);
CREATE INDEX IF NOT EXISTS idx_fact_books_score_id ON fact_books(score_id);
CREATE INDEX IF NOT EXISTS idx_fact_books_price_id ON fact_books(price_id);

CREATE TABLE IF NOT EXISTS etl_runs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME,
	transferred  INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT
);

CREATE INDEX IF NOT EXISTS idx_etl_runs_started_at ON etl_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "warehouse sqlite: migrate")
}

func (s *SQLiteStore) Drop(ctx context.Context) error {
	for _, table := range dropOrder {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+db.SanitizeTable(table)); err != nil {
			return eris.Wrapf(err, "warehouse sqlite: drop %s", table)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse sqlite: begin tx")
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*model.WarehouseStats, error) {
	var st model.WarehouseStats
	err := s.db.QueryRowContext(ctx, statsQuery).Scan(
		&st.Facts, &st.Categories, &st.Stocks, &st.Scores, &st.Prices, &st.Taxes,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse sqlite: stats")
	}
	return &st, nil
}

func (s *SQLiteStore) StartRun(ctx context.Context) (*model.RunEntry, error) {
	entry := &model.RunEntry{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO etl_runs (id, status, started_at) VALUES (?, ?, ?)`,
		entry.ID, string(entry.Status), entry.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse sqlite: start run")
	}
	return entry, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, report *model.TransferReport) error {
	metaJSON, err := runMetadata(report)
	if err != nil {
		return err
	}
	var meta any
	if metaJSON != nil {
		meta = string(metaJSON)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE etl_runs
		 SET status = ?, completed_at = ?, transferred = ?, skipped = ?, failed = ?, metadata = ?
		 WHERE id = ?`,
		string(model.RunStatusComplete), time.Now().UTC(),
		report.Transferred, report.Skipped, report.Failed(), meta, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE etl_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(model.RunStatusFailed), time.Now().UTC(), errMsg, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "warehouse sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.RunEntry, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, started_at, completed_at, transferred, skipped, failed, error, metadata
		 FROM etl_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.RunEntry
	for rows.Next() {
		var e model.RunEntry
		var status string
		var errStr, metaJSON sql.NullString
		if err := rows.Scan(&e.ID, &status, &e.StartedAt, &e.CompletedAt,
			&e.Transferred, &e.Skipped, &e.Failed, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "warehouse sqlite: scan run")
		}
		e.Status = model.RunStatus(status)
		e.Error = errStr.String
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		runs = append(runs, e)
	}
	return runs, eris.Wrap(rows.Err(), "warehouse sqlite: list runs iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "warehouse sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// sqliteTx implements Tx over a database/sql transaction.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) FactExists(ctx context.Context, upc string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM fact_books WHERE upc = ?)`, upc,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "warehouse sqlite: fact exists %s", upc)
	}
	return exists, nil
}

func (t *sqliteTx) FindDimension(ctx context.Context, d model.Dimension) (int64, bool, error) {
	table, cols, vals, err := dimensionColumns(d)
	if err != nil {
		return 0, false, err
	}

	var id int64
	err = t.tx.QueryRowContext(ctx, db.SelectIDWhere(table, cols, db.Question), vals...).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, eris.Wrapf(err, "warehouse sqlite: find %s", table)
	}
	return id, true, nil
}

func (t *sqliteTx) InsertDimension(ctx context.Context, d model.Dimension) (int64, error) {
	table, cols, vals, err := dimensionColumns(d)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := t.tx.QueryRowContext(ctx, db.InsertReturningID(table, cols, db.Question), vals...).Scan(&id); err != nil {
		return 0, eris.Wrapf(err, "warehouse sqlite: insert %s", table)
	}
	return id, nil
}

func (t *sqliteTx) InsertFact(ctx context.Context, f *model.FactBook) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		db.InsertReturningID("fact_books", factColumns, db.Question), factValues(f)...,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "warehouse sqlite: insert fact %s", f.UPC)
	}
	f.ID = id
	return id, nil
}

func (t *sqliteTx) Savepoint(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+savepointName)
	return eris.Wrap(err, "warehouse sqlite: savepoint")
}

func (t *sqliteTx) ReleaseSavepoint(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName)
	return eris.Wrap(err, "warehouse sqlite: release savepoint")
}

func (t *sqliteTx) RollbackToSavepoint(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepointName)
	return eris.Wrap(err, "warehouse sqlite: rollback to savepoint")
}

func (t *sqliteTx) Commit(context.Context) error {
	return eris.Wrap(t.tx.Commit(), "warehouse sqlite: commit")
}

func (t *sqliteTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return eris.Wrap(err, "warehouse sqlite: rollback")
}
