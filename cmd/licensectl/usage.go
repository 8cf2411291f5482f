package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"localrag/internal/exporter"
)

func reportWindow(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// usageCmd returns the usage subcommand for the local ledger.
func usageCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and maintain the usage ledger",
	}

	cmd.AddCommand(usageReportCmd(c))
	cmd.AddCommand(usagePurgeCmd(c))
	cmd.AddCommand(usageExportCmd(c))

	return cmd
}

func usageReportCmd(c *cli) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "report [token]",
		Short: "Show recorded usage for a token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.tokenArg(args, file)
			if err != nil {
				return err
			}

			v, l, err := c.validator(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			report, err := v.UsageReport(cmd.Context(), token)
			if err != nil {
				return err
			}

			return c.print(report, func(w io.Writer) {
				act := report.RecentActivity
				fmt.Fprintf(w, "Fingerprint:    %s\n", report.Fingerprint)
				fmt.Fprintf(w, "Plan:           %s\n", report.Plan)
				fmt.Fprintf(w, "User:           %s\n", userOrDash(report.UserID))
				fmt.Fprintf(w, "Total queries:  %d\n", report.TotalQueries)
				fmt.Fprintf(w, "Today:          %d (since %s)\n", report.DailyQueries, report.LastResetDate)
				fmt.Fprintf(w, "Last %s: %d queries, avg %s\n", report.Window, act.Queries, act.AvgProcessingTime)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the token from this file")

	return cmd
}

func usagePurgeCmd(c *cli) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete query log entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = c.cfg.Licensing.LogRetentionDays
			}

			l, err := c.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			removed, err := l.PurgeLogs(cmd.Context(), days)
			if err != nil {
				return err
			}

			return c.print(map[string]any{"removed": removed, "older_than_days": days}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %d query log entries older than %d days\n", removed, days)
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention in days (defaults to licensing.log_retention_days)")

	return cmd
}

func usageExportCmd(c *cli) *cobra.Command {
	var (
		format string
		out    string
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the usage ledger to CSV or XLSX",
		Long: `Export usage records to a CSV file, or records and the query log to an
XLSX workbook.

Examples:
  licensectl usage export --out usage.xlsx
  licensectl usage export --format csv --out usage.csv
  licensectl usage export --out last-week.xlsx --since 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			if format == "" {
				format = filepath.Ext(out)
			}
			f, err := exporter.ParseFormat(format)
			if err != nil {
				return err
			}

			l, err := c.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			if err := exporter.New(l).WithLogger(c.logger).Export(cmd.Context(), f, out, from); err != nil {
				return err
			}

			return c.print(map[string]string{"path": out, "format": string(f)}, func(w io.Writer) {
				fmt.Fprintf(w, "Usage exported to %s\n", out)
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "csv or xlsx (defaults to the --out extension)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (required)")
	cmd.Flags().DurationVar(&since, "since", 0, "only export query log entries newer than this (xlsx)")

	return cmd
}
