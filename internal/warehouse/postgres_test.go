package warehouse

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/book-etl/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func beginMockTx(t *testing.T, s *PostgresStore, mock pgxmock.PgxPoolIface) Tx {
	t.Helper()
	mock.ExpectBegin()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func TestPostgresStore_FindDimension_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id" FROM "dim_stock" WHERE "quantity" = $1 AND "stock_status" = $2 LIMIT 1`)).
		WithArgs(5, "Low Stock").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, found, err := tx.FindDimension(context.Background(), model.DimStock{Quantity: 5, StockStatus: "Low Stock"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindDimension_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectQuery(`FROM "dim_category"`).
		WithArgs("Fiction").
		WillReturnError(pgx.ErrNoRows)

	id, found, err := tx.FindDimension(context.Background(), model.DimCategory{Name: "Fiction"})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindDimension_StoreError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectQuery(`FROM "dim_score"`).
		WithArgs(4.0, "Good").
		WillReturnError(errors.New("connection reset by peer"))

	_, _, err := tx.FindDimension(context.Background(), model.DimScore{Score: 4.0, RatingLabel: "Good"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find dim_score")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertDimension_Price(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "dim_price" ("price_before_tax", "price_after_tax", "price_range", "tax_id") VALUES ($1, $2, $3, $4) RETURNING "id"`)).
		WithArgs(40.0, 44.0, "Mid-range", int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	id, err := tx.InsertDimension(context.Background(), model.DimPrice{
		PriceBeforeTax: 40, PriceAfterTax: 44, PriceRange: "Mid-range", TaxID: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FactExists(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM fact_books WHERE upc = \$1\)`).
		WithArgs("A1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := tx.FactExists(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertFact(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tx := beginMockTx(t, s, mock)

	catID := int64(2)
	mock.ExpectQuery(`INSERT INTO "fact_books"`).
		WithArgs("A1", "Book A1", "desc", "http://img", &catID, (*int64)(nil), (*int64)(nil), int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))

	fact := &model.FactBook{
		UPC: "A1", Title: "Book A1", Description: "desc", ImageURL: "http://img",
		CategoryID: &catID, PriceID: 9,
	}
	id, err := tx.InsertFact(context.Background(), fact)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int64(1), fact.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SavepointCycle(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tx := beginMockTx(t, s, mock)
	ctx := context.Background()

	mock.ExpectExec(`SAVEPOINT etl_record`).WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT etl_record`).WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectExec(`RELEASE SAVEPOINT etl_record`).WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCommit()

	require.NoError(t, tx.Savepoint(ctx))
	require.NoError(t, tx.RollbackToSavepoint(ctx))
	require.NoError(t, tx.ReleaseSavepoint(ctx))
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := s.Begin(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Stats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT`).
		WillReturnRows(pgxmock.NewRows([]string{"facts", "categories", "stocks", "scores", "prices", "taxes"}).
			AddRow(int64(2), int64(1), int64(1), int64(1), int64(1), int64(1)))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.WarehouseStats{Facts: 2, Categories: 1, Stocks: 1, Scores: 1, Prices: 1, Taxes: 1}, *st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE etl_runs`).
		WithArgs("complete", pgxmock.AnyArg(), 1, 0, 0, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "missing", &model.TransferReport{Transferred: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO etl_runs`).
		WithArgs(pgxmock.AnyArg(), "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.StartRun(context.Background())
	require.NoError(t, err)
	assert.Len(t, run.ID, 36)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Drop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	for _, table := range dropOrder {
		mock.ExpectExec(`DROP TABLE IF EXISTS "` + table + `" CASCADE`).
			WillReturnResult(pgxmock.NewResult("DROP", 0))
	}

	require.NoError(t, s.Drop(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDimensionColumns_Unsupported(t *testing.T) {
	type bogus struct{ model.DimCategory }
	_, _, _, err := dimensionColumns(bogus{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dimension")
}
