// Package cli implements the kanri command line: offline image compression
// and read-only household views over the configured stores.
package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/gunshikin/kanri/internal/config"
	"github.com/gunshikin/kanri/internal/database"
	"github.com/gunshikin/kanri/internal/expense"
	"github.com/gunshikin/kanri/internal/fridge"
	"github.com/gunshikin/kanri/internal/records"
)

// RootOptions holds global flags and the hooks commands use to reach the
// outside world.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"

	// Now and Open are replaced in tests.
	Now  func() time.Time
	Open func(cfg *config.Config) (*Source, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Source is the read side of the household stores.
type Source struct {
	Expenses records.RecordStore[expense.Expense]
	Fridge   records.RecordStore[fridge.Item]
	Close    func() error
}

// NewRootCommand creates the kanri command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Now: time.Now, Open: openSource})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kanri",
		Short: "kanri - household budget tools",
		Long:  "Command line tools for the kanri household budget: image compression, fridge status and monthly reports.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newCompressCommand(opts))
	cmd.AddCommand(newFridgeCommand(opts))
	cmd.AddCommand(newReportCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads the config file; a missing file yields the defaults.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

// source loads the config and opens the stores it names.
func (o *RootOptions) source() (*config.Config, *Source, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	src, err := o.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, src, nil
}

// openSource opens the configured backend read side.
func openSource(cfg *config.Config) (*Source, error) {
	backend, err := database.OpenBackend(cfg, slog.Default())
	if err != nil {
		return nil, err
	}
	if backend.Kind == database.BackendMemory {
		slog.Warn("[CLI] No Supabase or database configured; stores are empty")
	}
	return &Source{
		Expenses: database.OpenStore[expense.Expense](backend, cfg.Supabase.ExpensesTable),
		Fridge:   database.OpenStore[fridge.Item](backend, cfg.Supabase.FridgeItemsTable),
		Close:    backend.Close,
	}, nil
}
