package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/book-etl/internal/model"
)

// seedFixture is a YAML file of crawled books and tax snapshots.
type seedFixture struct {
	TaxRates []model.TaxRate     `yaml:"tax_rates"`
	Books    []model.ScrapedBook `yaml:"books"`
}

// loadFixture reads and validates a seed fixture.
func loadFixture(path string) (*seedFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read %s", path)
	}

	var f seedFixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "seed: parse %s", path)
	}

	for i, b := range f.Books {
		if b.UPC == "" {
			return nil, eris.Errorf("seed: book %d has no upc", i)
		}
		if b.Title == "" {
			return nil, eris.Errorf("seed: book %s has no title", b.UPC)
		}
		if b.Price <= 0 {
			return nil, eris.Errorf("seed: book %s has non-positive price %v", b.UPC, b.Price)
		}
	}
	return &f, nil
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load crawled books from a YAML fixture into the transactional store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("component", "seed"))

		path, _ := cmd.Flags().GetString("file")
		fixture, err := loadFixture(path)
		if err != nil {
			return err
		}

		src, err := openSource(ctx)
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck
		if err := src.Migrate(ctx); err != nil {
			return err
		}

		for _, r := range fixture.TaxRates {
			if err := src.SaveTaxRate(ctx, r); err != nil {
				return err
			}
		}

		var saved int
		for _, b := range fixture.Books {
			if _, err := src.SaveBook(ctx, b); err != nil {
				log.Warn("failed to save book", zap.String("upc", b.UPC), zap.Error(err))
				continue
			}
			saved++
		}

		fmt.Printf("Seeded %d of %d books and %d tax rates\n", saved, len(fixture.Books), len(fixture.TaxRates))
		return nil
	},
}

func init() {
	seedCmd.Flags().String("file", "books.yaml", "path to the YAML fixture")
	rootCmd.AddCommand(seedCmd)
}
