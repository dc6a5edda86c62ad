package etl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/book-etl/internal/model"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) ListBooks(ctx context.Context) ([]model.Book, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Book), args.Error(1)
}

func (m *mockSource) LatestTaxRate(ctx context.Context) (*model.TaxRate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TaxRate), args.Error(1)
}

func (m *mockSource) SaveBook(ctx context.Context, b model.ScrapedBook) (*model.Book, error) {
	args := m.Called(ctx, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Book), args.Error(1)
}

func (m *mockSource) SaveTaxRate(ctx context.Context, r model.TaxRate) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockSource) Migrate(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockSource) Drop(ctx context.Context) error    { return m.Called(ctx).Error(0) }
func (m *mockSource) Close() error                      { return m.Called().Error(0) }

func TestEngine_Run(t *testing.T) {
	st, _ := newTestWarehouse(t)
	ctx := context.Background()

	src := &mockSource{}
	src.On("ListBooks", ctx).Return([]model.Book{
		testBook("A1", "Fiction", 18, intPtr(5), floatPtr(4.0)),
		testBook("A2", "Fiction", 18, intPtr(5), floatPtr(4.0)),
	}, nil)
	tax := &model.TaxRate{Rate: 0.21, EffectiveDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	src.On("LatestTaxRate", ctx).Return(tax, nil)

	result, err := NewEngine(src, st, 10).Run(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, result.RunID)
	assert.False(t, result.DefaultTax)
	assert.InDelta(t, 0.21, result.Tax.Rate, 1e-9)
	assert.Equal(t, 2, result.Report.Transferred)
	require.NotNil(t, result.Stats)
	assert.Equal(t, int64(2), result.Stats.Facts)

	runs, err := st.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunID, runs[0].ID)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	assert.Equal(t, 2, runs[0].Transferred)
	src.AssertExpectations(t)
}

func TestEngine_Run_DefaultTax(t *testing.T) {
	st, raw := newTestWarehouse(t)
	ctx := context.Background()

	src := &mockSource{}
	src.On("ListBooks", ctx).Return([]model.Book{testBook("A1", "", 40, nil, nil)}, nil)
	src.On("LatestTaxRate", ctx).Return(nil, nil)

	result, err := NewEngine(src, st, 10).Run(ctx)
	require.NoError(t, err)
	assert.True(t, result.DefaultTax)
	assert.Zero(t, result.Tax.Rate)

	var after float64
	require.NoError(t, raw.QueryRow(`
		SELECT p.price_after_tax FROM fact_books f
		JOIN dim_price p ON p.id = f.price_id WHERE f.upc = ?`, "A1").Scan(&after))
	assert.Equal(t, 40.0, after)

	// The default snapshot is stable, so a second run reuses its row.
	_, err = NewEngine(src, st, 10).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats(t, st).Taxes)
}

func TestEngine_Run_SourceFailure(t *testing.T) {
	st, _ := newTestWarehouse(t)
	ctx := context.Background()

	src := &mockSource{}
	src.On("ListBooks", ctx).Return(nil, errors.New("connection refused"))

	result, err := NewEngine(src, st, 10).Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: list books")
	require.NotNil(t, result)

	runs, err := st.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "connection refused")
	src.AssertNotCalled(t, "LatestTaxRate", mock.Anything)
}

func TestEngine_Run_RecordErrorsInRunLog(t *testing.T) {
	st, _ := newTestWarehouse(t)
	ctx := context.Background()

	src := &mockSource{}
	src.On("ListBooks", ctx).Return(twelveBooks(), nil)
	src.On("LatestTaxRate", ctx).Return(&testTax, nil)

	faulty := &faultyStore{
		Store: st,
		failFind: func(d model.Dimension) bool {
			c, ok := d.(model.DimCategory)
			return ok && c.Name == "Doomed"
		},
	}

	result, err := NewEngine(src, faulty, 10).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, result.Report.Transferred)
	assert.Equal(t, 1, result.Report.Failed())

	runs, err := st.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Contains(t, runs[0].Metadata, "errors")
}

func TestEngine_Run_CancelledClosesRunLog(t *testing.T) {
	st, _ := newTestWarehouse(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &mockSource{}
	src.On("ListBooks", mock.Anything).Return(twelveBooks(), nil)
	src.On("LatestTaxRate", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&testTax, nil)

	result, err := NewEngine(src, st, 10).Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
	require.NotNil(t, result)

	runs, err := st.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "context canceled")
	assert.NotNil(t, runs[0].CompletedAt)
}
