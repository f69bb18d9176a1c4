package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gunshikin/kanri/internal/fridge"
)

// FridgeStatus is the output of `kanri fridge status`.
type FridgeStatus struct {
	AsOf  string             `json:"as_of"`
	Stats fridge.Stats       `json:"stats"`
	Items []fridge.Annotated `json:"items"`
}

func newFridgeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fridge",
		Short: "Fridge inventory views",
	}
	cmd.AddCommand(newFridgeStatusCommand(rootOpts))
	return cmd
}

func newFridgeStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		only        string
		includeUsed bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List items by days until expiry",
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
			classifier := fridge.Classifier{ExpiringWithinDays: cfg.Fridge.ExpiringWithinDays, Location: loc}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout())
			defer cancel()
			items, err := src.Fridge.List(ctx)
			if err != nil {
				return fmt.Errorf("list fridge items: %w", err)
			}

			now := rootOpts.Now().In(loc)
			status := FridgeStatus{
				AsOf:  now.Format(time.DateOnly),
				Stats: classifier.ComputeStats(items, now),
				Items: selectItems(classifier.Annotate(items, now), fridge.Status(only), includeUsed),
			}
			return render(cmd.OutOrStdout(), rootOpts.Format, status, status.writeText)
		},
	}

	cmd.Flags().StringVar(&only, "status", "", "only items with this status (expired|today|expiring|fresh|none)")
	cmd.Flags().BoolVar(&includeUsed, "all", false, "include consumed items")

	return cmd
}

// statusRank orders the listing: most urgent first, undated and consumed last.
var statusRank = map[fridge.Status]int{
	fridge.StatusExpired:  0,
	fridge.StatusToday:    1,
	fridge.StatusExpiring: 2,
	fridge.StatusFresh:    3,
	fridge.StatusNone:     4,
	fridge.StatusConsumed: 5,
}

func selectItems(items []fridge.Annotated, only fridge.Status, includeUsed bool) []fridge.Annotated {
	out := make([]fridge.Annotated, 0, len(items))
	for _, it := range items {
		if it.Expiry.Status == fridge.StatusConsumed && !includeUsed && only != fridge.StatusConsumed {
			continue
		}
		if only != "" && it.Expiry.Status != only {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := statusRank[out[i].Expiry.Status], statusRank[out[j].Expiry.Status]
		if ri != rj {
			return ri < rj
		}
		if out[i].Expiry.DaysLeft != out[j].Expiry.DaysLeft {
			return out[i].Expiry.DaysLeft < out[j].Expiry.DaysLeft
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s FridgeStatus) writeText(w io.Writer) error {
	fmt.Fprintf(w, "Fridge %s\n", s.AsOf)
	fmt.Fprintf(w, "  %-10s %d\n", "active", s.Stats.Total)
	fmt.Fprintf(w, "  %-10s %d\n", "expired", s.Stats.Expired)
	fmt.Fprintf(w, "  %-10s %d\n", "expiring", s.Stats.Expiring)
	fmt.Fprintf(w, "  %-10s %d\n", "consumed", s.Stats.Consumed)
	if len(s.Items) == 0 {
		_, err := fmt.Fprintln(w, "\nNo items.")
		return err
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tDAYS\tNAME\tEXPIRES")
	for _, it := range s.Items {
		days := "-"
		switch it.Expiry.Status {
		case fridge.StatusExpired, fridge.StatusExpiring, fridge.StatusFresh:
			days = fmt.Sprint(it.Expiry.DaysLeft)
		case fridge.StatusToday:
			days = "0"
		}
		expires := it.ExpiryDate
		if expires == "" {
			expires = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.Expiry.Status, days, it.Name, expires)
	}
	return tw.Flush()
}
