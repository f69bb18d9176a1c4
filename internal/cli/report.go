package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/gunshikin/kanri/internal/expense"
)

func newReportCommand(rootOpts *RootOptions) *cobra.Command {
	var month string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Monthly income, spending and settlement summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, src, err := rootOpts.source()
			if err != nil {
				return err
			}
			defer src.Close()

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			if month == "" {
				month = rootOpts.Now().In(loc).Format("2006-01")
			}
			if _, err := time.Parse("2006-01", month); err != nil {
				return fmt.Errorf("invalid month %q: want YYYY-MM", month)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout())
			defer cancel()
			entries, err := src.Expenses.List(ctx)
			if err != nil {
				return fmt.Errorf("list expenses: %w", err)
			}

			report := expense.MonthlyReport(entries, month)
			return render(cmd.OutOrStdout(), rootOpts.Format, report, func(w io.Writer) error {
				return writeReportText(w, report)
			})
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month to report, YYYY-MM (default: current month)")

	return cmd
}

func writeReportText(w io.Writer, r expense.Report) error {
	fmt.Fprintf(w, "Report %s\n", r.Month)
	fmt.Fprintf(w, "  %-10s %s\n", "income", yen(r.Income))
	fmt.Fprintf(w, "  %-10s %s\n", "expense", yen(r.Expense))
	fmt.Fprintf(w, "  %-10s %s\n", "balance", yen(r.Balance))
	fmt.Fprintf(w, "  %-10s %s\n", "unsettled", yen(r.Unsettled))
	fmt.Fprintf(w, "  %-10s %d\n", "entries", r.Entries)

	sections := []struct {
		title  string
		totals []expense.Total
	}{
		{"Paid by", r.ByPayer},
		{"Top categories", r.TopCategories},
	}
	for _, sec := range sections {
		if len(sec.totals) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", sec.title)
		for _, t := range sec.totals {
			fmt.Fprintf(w, "  %-10s %s\n", t.Name, yen(t.Amount))
		}
	}
	return nil
}
