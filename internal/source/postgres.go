package source

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/book-etl/internal/db"
	"github.com/sells-group/book-etl/internal/model"
)

// PostgresStore implements Store against the crawler's Postgres database.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to the transactional database. The ETL only reads,
// so the default pool settings are enough.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, eris.Wrap(err, "source postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "source postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS categories (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS books (
	id          BIGSERIAL PRIMARY KEY,
	upc         TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	stock_int   INTEGER NOT NULL DEFAULT 0,
	image_url   TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	category_id BIGINT REFERENCES categories(id)
);

CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);

CREATE TABLE IF NOT EXISTS stocks (
	id       BIGSERIAL PRIMARY KEY,
	book_id  BIGINT NOT NULL UNIQUE REFERENCES books(id),
	quantity INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scores (
	id      BIGSERIAL PRIMARY KEY,
	book_id BIGINT NOT NULL UNIQUE REFERENCES books(id),
	score   DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS tax_rates (
	id             BIGSERIAL PRIMARY KEY,
	tax_rate       DOUBLE PRECISION NOT NULL DEFAULT 0,
	effective_date TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tax_rates_effective_date ON tax_rates(effective_date DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "source postgres: migrate")
}

func (s *PostgresStore) Drop(ctx context.Context) error {
	for _, table := range dropOrder {
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+db.SanitizeTable(table)+" CASCADE"); err != nil {
			return eris.Wrapf(err, "source postgres: drop %s", table)
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

func (s *PostgresStore) ListBooks(ctx context.Context) ([]model.Book, error) {
	rows, err := s.pool.Query(ctx, bookColumns+` ORDER BY b.id`)
	if err != nil {
		return nil, eris.Wrap(err, "source postgres: list books")
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, eris.Wrap(err, "source postgres: scan book")
		}
		books = append(books, b)
	}
	return books, eris.Wrap(rows.Err(), "source postgres: list books iterate")
}

func (s *PostgresStore) LatestTaxRate(ctx context.Context) (*model.TaxRate, error) {
	var r model.TaxRate
	err := s.pool.QueryRow(ctx,
		`SELECT tax_rate, effective_date FROM tax_rates ORDER BY effective_date DESC, id DESC LIMIT 1`,
	).Scan(&r.Rate, &r.EffectiveDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "source postgres: latest tax rate")
	}
	return &r, nil
}

func (s *PostgresStore) SaveTaxRate(ctx context.Context, r model.TaxRate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tax_rates (tax_rate, effective_date) VALUES ($1, $2)`,
		r.Rate, r.EffectiveDate,
	)
	return eris.Wrap(err, "source postgres: save tax rate")
}

func (s *PostgresStore) SaveBook(ctx context.Context, b model.ScrapedBook) (*model.Book, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "source postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var categoryID *int64
	if b.Category != "" {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO categories (name) VALUES ($1)
			 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			 RETURNING id`, b.Category,
		).Scan(&id)
		if err != nil {
			return nil, eris.Wrapf(err, "source postgres: save category %s", b.Category)
		}
		categoryID = &id
	}

	var bookID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO books (upc, title, price, stock_int, image_url, description, category_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (upc) DO NOTHING
		 RETURNING id`,
		b.UPC, b.Title, b.Price, stockInt(b), b.ImageURL, b.Description, categoryID,
	).Scan(&bookID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := scanBook(tx.QueryRow(ctx, bookColumns+` WHERE b.upc = $1`, b.UPC))
		if err != nil {
			return nil, eris.Wrapf(err, "source postgres: get book %s", b.UPC)
		}
		return &existing, nil
	case err != nil:
		return nil, eris.Wrapf(err, "source postgres: save book %s", b.UPC)
	}

	if b.Stock != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO stocks (book_id, quantity) VALUES ($1, $2)`, bookID, *b.Stock,
		); err != nil {
			return nil, eris.Wrapf(err, "source postgres: save stock %s", b.UPC)
		}
	}
	if b.Score != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO scores (book_id, score) VALUES ($1, $2)`, bookID, *b.Score,
		); err != nil {
			return nil, eris.Wrapf(err, "source postgres: save score %s", b.UPC)
		}
	}

	saved, err := scanBook(tx.QueryRow(ctx, bookColumns+` WHERE b.id = $1`, bookID))
	if err != nil {
		return nil, eris.Wrapf(err, "source postgres: get book %s", b.UPC)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "source postgres: commit")
	}
	return &saved, nil
}
