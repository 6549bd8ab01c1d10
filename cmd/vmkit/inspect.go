package main

import (
	"fmt"
	"strings"

	"github.com/artpar/vmkit/config"
	"github.com/artpar/vmkit/core/formatter"
	"github.com/artpar/vmkit/core/schema"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [class]",
	Short: "Describe the view-model classes",
	Long: `Describe the classes built from the definitions directory.

Without an argument every class is listed. With a class name, that
class is shown in full: fields, calls, methods and bus routes.

Examples:
  vmkit inspect
  vmkit inspect cart --format yaml
  vmkit inspect --columns name,channel,subscriptions`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

var (
	inspectFormat  string
	inspectColumns string
)

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "o", "table",
		"output format ("+strings.Join(formatter.List(), ", ")+")")
	inspectCmd.Flags().StringVar(&inspectColumns, "columns", "", "comma-separated columns to show")
}

func runInspect(cmd *cobra.Command, args []string) error {
	f, ok := formatter.Get(inspectFormat)
	if !ok {
		return fmt.Errorf("unknown format %q", inspectFormat)
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	defs, err := schema.ParseDir(cfg.Definitions.Dir)
	if err != nil {
		return fmt.Errorf("definitions error: %w", err)
	}
	rt, err := loadClasses(defs)
	if err != nil {
		return fmt.Errorf("definitions error: %w", err)
	}

	opts := formatter.FormatOptions{}
	if inspectColumns != "" {
		opts.Columns = strings.Split(inspectColumns, ",")
	}

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		c, ok := rt.Class(args[0])
		if !ok {
			return fmt.Errorf("unknown class %q", args[0])
		}
		return f.FormatRecord(out, formatter.SummaryView, formatter.Summarize(c), opts)
	}

	classes := rt.Classes()
	records := make([]map[string]any, 0, len(classes))
	for _, c := range classes {
		records = append(records, formatter.Summarize(c))
	}
	return f.FormatList(out, formatter.SummaryView, records, opts)
}
