// Package source reads and writes the transactional book store the crawler
// fills: categories, books, their stock and score records, and tax rates.
package source

import (
	"context"

	"github.com/sells-group/book-etl/internal/model"
)

// Store is the transactional store.
type Store interface {
	// ListBooks returns every book ordered by id, with category name, linked
	// stock quantity and score flattened in.
	ListBooks(ctx context.Context) ([]model.Book, error)
	// LatestTaxRate returns the most recent tax snapshot by effective date,
	// or nil when the table is empty.
	LatestTaxRate(ctx context.Context) (*model.TaxRate, error)

	// SaveBook stores one crawled book with its category, stock and score.
	// A book whose UPC already exists is returned unchanged.
	SaveBook(ctx context.Context, b model.ScrapedBook) (*model.Book, error)
	SaveTaxRate(ctx context.Context, r model.TaxRate) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Drop(ctx context.Context) error
	Close() error
}

// dropOrder lists tables children-first.
var dropOrder = []string{"scores", "stocks", "books", "categories", "tax_rates"}

// bookColumns is the flattened select shared by both backends. Category,
// stock and score are optional, hence the outer joins.
const bookColumns = `SELECT b.id, b.upc, b.title, b.price, b.description, b.image_url,
	c.name, s.quantity, b.stock_int, sc.score
FROM books b
LEFT JOIN categories c ON c.id = b.category_id
LEFT JOIN stocks s ON s.book_id = b.id
LEFT JOIN scores sc ON sc.book_id = b.id`

// scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (model.Book, error) {
	var b model.Book
	var category *string
	err := row.Scan(&b.ID, &b.UPC, &b.Title, &b.Price, &b.Description, &b.ImageURL,
		&category, &b.StockQuantity, &b.StockInt, &b.Score)
	if category != nil {
		b.Category = *category
	}
	return b, err
}

// stockInt is the raw quantity column written alongside the stocks row.
func stockInt(b model.ScrapedBook) int {
	if b.Stock == nil {
		return 0
	}
	return *b.Stock
}
