package source

import (
	"context"
	"database/sql"
	"errors"

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
		return nil, eris.Wrap(err, "source sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, eris.Wrapf(err, "source sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS categories (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS books (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	upc         TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL,
	price       REAL NOT NULL,
	stock_int   INTEGER NOT NULL DEFAULT 0,
	image_url   TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category_id INTEGER REFERENCES categories(id)
);

CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);

CREATE TABLE IF NOT EXISTS stocks (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id  INTEGER NOT NULL UNIQUE REFERENCES books(id),
	quantity INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scores (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id INTEGER NOT NULL UNIQUE REFERENCES books(id),
	score   REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS tax_rates (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	tax_rate       REAL NOT NULL DEFAULT 0,
	effective_date DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tax_rates_effective_date ON tax_rates(effective_date);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "source sqlite: migrate")
}

func (s *SQLiteStore) Drop(ctx context.Context) error {
	for _, table := range dropOrder {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+db.SanitizeTable(table)); err != nil {
			return eris.Wrapf(err, "source sqlite: drop %s", table)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListBooks(ctx context.Context) ([]model.Book, error) {
	rows, err := s.db.QueryContext(ctx, bookColumns+` ORDER BY b.id`)
	if err != nil {
		return nil, eris.Wrap(err, "source sqlite: list books")
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, eris.Wrap(err, "source sqlite: scan book")
		}
		books = append(books, b)
	}
	return books, eris.Wrap(rows.Err(), "source sqlite: list books iterate")
}

func (s *SQLiteStore) LatestTaxRate(ctx context.Context) (*model.TaxRate, error) {
	var r model.TaxRate
	err := s.db.QueryRowContext(ctx,
		`SELECT tax_rate, effective_date FROM tax_rates ORDER BY effective_date DESC, id DESC LIMIT 1`,
	).Scan(&r.Rate, &r.EffectiveDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "source sqlite: latest tax rate")
	}
	return &r, nil
}

func (s *SQLiteStore) SaveTaxRate(ctx context.Context, r model.TaxRate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tax_rates (tax_rate, effective_date) VALUES (?, ?)`,
		r.Rate, r.EffectiveDate.UTC(),
	)
	return eris.Wrap(err, "source sqlite: save tax rate")
}

func (s *SQLiteStore) SaveBook(ctx context.Context, b model.ScrapedBook) (*model.Book, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "source sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var categoryID *int64
	if b.Category != "" {
		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO categories (name) VALUES (?)
			 ON CONFLICT (name) DO UPDATE SET name = excluded.name
			 RETURNING id`, b.Category,
		).Scan(&id)
		if err != nil {
			return nil, eris.Wrapf(err, "source sqlite: save category %s", b.Category)
		}
		categoryID = &id
	}

	var bookID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO books (upc, title, price, stock_int, image_url, description, category_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (upc) DO NOTHING
		 RETURNING id`,
		b.UPC, b.Title, b.Price, stockInt(b), b.ImageURL, b.Description, categoryID,
	).Scan(&bookID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing, err := scanBook(tx.QueryRowContext(ctx, bookColumns+` WHERE b.upc = ?`, b.UPC))
		if err != nil {
			return nil, eris.Wrapf(err, "source sqlite: get book %s", b.UPC)
		}
		return &existing, nil
	case err != nil:
		return nil, eris.Wrapf(err, "source sqlite: save book %s", b.UPC)
	}

	if b.Stock != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stocks (book_id, quantity) VALUES (?, ?)`, bookID, *b.Stock,
		); err != nil {
			return nil, eris.Wrapf(err, "source sqlite: save stock %s", b.UPC)
		}
	}
	if b.Score != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scores (book_id, score) VALUES (?, ?)`, bookID, *b.Score,
		); err != nil {
			return nil, eris.Wrapf(err, "source sqlite: save score %s", b.UPC)
		}
	}

	saved, err := scanBook(tx.QueryRowContext(ctx, bookColumns+` WHERE b.id = ?`, bookID))
	if err != nil {
		return nil, eris.Wrapf(err, "source sqlite: get book %s", b.UPC)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "source sqlite: commit")
	}
	return &saved, nil
}
