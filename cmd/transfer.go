package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/book-etl/internal/etl"
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer books from the transactional store into the warehouse",
	Long:  "Runs one full transfer. Books already in the warehouse are skipped, so the command can be rerun safely.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if initSchema, _ := cmd.Flags().GetBool("init"); initSchema {
			if err := st.warehouse.Migrate(ctx); err != nil {
				return err
			}
		}

		batchSize, _ := cmd.Flags().GetInt("batch-size")
		if batchSize <= 0 {
			batchSize = cfg.ETL.BatchSize
		}

		result, err := etl.NewEngine(st.source, st.warehouse, batchSize).Run(ctx)
		if result != nil {
			formatSummary(os.Stdout, result)
		}
		return eris.Wrap(err, "transfer")
	},
}

func init() {
	transferCmd.Flags().Int("batch-size", 0, "facts per commit (default from config)")
	transferCmd.Flags().Bool("init", false, "create the warehouse schema before transferring")
	rootCmd.AddCommand(transferCmd)
}

// formatSummary writes the outcome of a run to w.
func formatSummary(out io.Writer, r *etl.RunResult) {
	p := message.NewPrinter(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	if r.RunID != "" {
		_, _ = p.Fprintf(w, "Run:\t%s\n", r.RunID)
	}
	taxNote := ""
	if r.DefaultTax {
		taxNote = " (default)"
	}
	_, _ = p.Fprintf(w, "Tax rate:\t%.2f%%%s\n", r.Tax.Rate*100, taxNote)

	if r.Report != nil {
		_, _ = p.Fprintf(w, "Transferred:\t%d\n", r.Report.Transferred)
		_, _ = p.Fprintf(w, "Skipped:\t%d\n", r.Report.Skipped)
		_, _ = p.Fprintf(w, "Errors:\t%d\n", r.Report.Failed())
	}
	if r.Stats != nil {
		_, _ = p.Fprintf(w, "Facts in warehouse:\t%d\n", r.Stats.Facts)
		_, _ = p.Fprintf(w, "Categories:\t%d\n", r.Stats.Categories)
		_, _ = p.Fprintf(w, "Stock levels:\t%d\n", r.Stats.Stocks)
	}
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", r.Elapsed.Round(time.Millisecond))
	_ = w.Flush()

	if r.Report == nil || len(r.Report.Errors) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UPC\tTITLE\tERROR")
	for _, e := range r.Report.Errors {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.UPC, truncate(e.Title, 40), e.Err)
	}
	_ = w.Flush()
}

// truncate shortens s to at most n characters, cutting on a rune boundary.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
