package main

import (
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/book-etl/internal/model"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show warehouse row counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		wh, err := openWarehouse(ctx)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		st, err := wh.Stats(ctx)
		if err != nil {
			return err
		}
		formatStats(os.Stdout, st)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

// formatStats writes per-table row counts to w.
func formatStats(out io.Writer, s *model.WarehouseStats) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = p.Fprintf(w, "fact_books:\t%d\n", s.Facts)
	_, _ = p.Fprintf(w, "dim_category:\t%d\n", s.Categories)
	_, _ = p.Fprintf(w, "dim_stock:\t%d\n", s.Stocks)
	_, _ = p.Fprintf(w, "dim_score:\t%d\n", s.Scores)
	_, _ = p.Fprintf(w, "dim_price:\t%d\n", s.Prices)
	_, _ = p.Fprintf(w, "dim_tax:\t%d\n", s.Taxes)
	_ = w.Flush()
}
