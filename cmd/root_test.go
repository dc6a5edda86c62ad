package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/book-etl/internal/config"
	"github.com/sells-group/book-etl/internal/etl"
	"github.com/sells-group/book-etl/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"transfer", "schema", "seed", "runs", "stats", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "book-etl", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestTransferCommand_Flags(t *testing.T) {
	require.NotNil(t, transferCmd.Flags().Lookup("batch-size"))
	require.NotNil(t, transferCmd.Flags().Lookup("init"))
}

func TestSchemaCommand_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range schemaCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["create"])
	assert.True(t, names["drop"])
	assert.True(t, names["reset"])
	assert.NotNil(t, schemaCmd.PersistentFlags().Lookup("source"))
}

func TestInitSource_UnsupportedDriver(t *testing.T) {
	_, err := initSource(t.Context(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported source driver")
}

func TestInitWarehouse_SQLite(t *testing.T) {
	st, err := initWarehouse(t.Context(), config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "wh.db"),
	})
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}

func TestOpenStores_SQLite(t *testing.T) {
	dir := t.TempDir()
	cfg = &config.Config{
		Source:    config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "src.db")},
		Warehouse: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "wh.db")},
	}
	t.Cleanup(func() { cfg = nil })

	st, err := openStores(t.Context())
	require.NoError(t, err)
	defer st.Close()
	assert.NotNil(t, st.source)
	assert.NotNil(t, st.warehouse)
}

func TestOpenStores_OneFails(t *testing.T) {
	cfg = &config.Config{
		Source:    config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "src.db")},
		Warehouse: config.StoreConfig{Driver: "oracle"},
	}
	t.Cleanup(func() { cfg = nil })

	_, err := openStores(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open warehouse store")
}

func TestOpenSource_SQLite(t *testing.T) {
	cfg = &config.Config{
		Source: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "src.db")},
	}
	t.Cleanup(func() { cfg = nil })

	src, err := openSource(t.Context())
	require.NoError(t, err)
	assert.NoError(t, src.Close())
}

func TestOpenSource_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Source: config.StoreConfig{Driver: "mysql"}}
	t.Cleanup(func() { cfg = nil })

	_, err := openSource(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open source store")
	assert.Contains(t, err.Error(), "unsupported source driver")
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tax_rates:
  - rate: 0.1
    effective_date: 2024-01-01T00:00:00Z
books:
  - upc: A1
    title: Book A1
    price: 18
    category: Fiction
    stock: 5
    score: 4.0
  - upc: A2
    title: Book A2
    price: 40
`), 0o644))

	f, err := loadFixture(path)
	require.NoError(t, err)
	require.Len(t, f.TaxRates, 1)
	assert.InDelta(t, 0.1, f.TaxRates[0].Rate, 1e-9)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), f.TaxRates[0].EffectiveDate)

	require.Len(t, f.Books, 2)
	require.NotNil(t, f.Books[0].Stock)
	assert.Equal(t, 5, *f.Books[0].Stock)
	assert.Nil(t, f.Books[1].Stock)
	assert.Nil(t, f.Books[1].Score)
}

func TestLoadFixture_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing upc", "books:\n  - title: x\n    price: 1\n", "has no upc"},
		{"missing title", "books:\n  - upc: A1\n    price: 1\n", "has no title"},
		{"zero price", "books:\n  - upc: A1\n    title: x\n", "non-positive price"},
		{"bad yaml", "books: [", "seed: parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "books.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := loadFixture(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFixture_MissingFile(t *testing.T) {
	_, err := loadFixture(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed: read")
}

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	formatSummary(&buf, &etl.RunResult{
		RunID:      "run-1",
		DefaultTax: true,
		Report: &model.TransferReport{
			Transferred: 1234,
			Skipped:     2,
			Errors:      []model.RecordError{{UPC: "B05", Title: "Broken", Err: "boom"}},
		},
		Stats:   &model.WarehouseStats{Facts: 1234, Categories: 3, Stocks: 7},
		Elapsed: 1500 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "(default)")
	assert.Contains(t, out, "1,234")
	assert.Contains(t, out, "B05")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "1.5s")
}

func TestFormatRunsList(t *testing.T) {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Second)

	var buf bytes.Buffer
	formatRunsList(&buf, []model.RunEntry{
		{ID: "0123456789abcdef", Status: model.RunStatusComplete, StartedAt: started, CompletedAt: &completed, Transferred: 5},
		{ID: "short", Status: model.RunStatusRunning, StartedAt: started},
	})

	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "2s")
	assert.Contains(t, out, "2024-03-01 12:00")
	assert.Contains(t, out, "running")
}

func TestFormatStats(t *testing.T) {
	var buf bytes.Buffer
	formatStats(&buf, &model.WarehouseStats{Facts: 12000, Taxes: 1})
	assert.Contains(t, buf.String(), "12,000")
	assert.Contains(t, buf.String(), "dim_tax")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestTruncate_MultiByte(t *testing.T) {
	title := "Les Misérables — édition illustrée"
	got := truncate(title, 12)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "Les Misér...", got)
	assert.Equal(t, "Élan", truncate("Élan", 4))
}
