package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"localrag/internal/license"
)

// issueCmd returns the issue subcommand. Each preset is its own subcommand.
func issueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed license token",
		Long: `Issue a signed license token with the configured private key.

The token is written to --out, or to a timestamped file in the current
directory with --save, or printed.

Examples:
  licensectl issue custom --plan pro --user alice --max-queries 500 --days 90
  licensectl issue demo --out demo_license.txt
  licensectl issue evaluation --user bob`,
	}

	cmd.AddCommand(issueCustomCmd(c))
	cmd.AddCommand(issuePresetCmd(c, "demo", "7 days, 50 queries/day",
		func(ctx context.Context, g *license.Generator, _ string) (string, error) { return g.IssueDemo(ctx) }))
	cmd.AddCommand(issuePresetCmd(c, "development", "30 days, 10000 queries/day",
		func(ctx context.Context, g *license.Generator, _ string) (string, error) { return g.IssueDevelopment(ctx) }))
	cmd.AddCommand(issuePresetCmd(c, "evaluation", "14 days, 100 queries/day",
		func(ctx context.Context, g *license.Generator, user string) (string, error) { return g.IssueEvaluation(ctx, user) }))
	cmd.AddCommand(issuePresetCmd(c, "internal", "10 years, 100000 queries/day",
		func(ctx context.Context, g *license.Generator, user string) (string, error) { return g.IssueInternal(ctx, user) }))

	return cmd
}

type outputFlags struct {
	out  string
	save bool
}

func (o *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.out, "out", "o", "", "write the token to this file")
	cmd.Flags().BoolVar(&o.save, "save", false, "write the token to license_<timestamp>.txt")
}

// emit persists or prints the token.
func (c *cli) emit(token string, o outputFlags) error {
	path := o.out
	if path == "" && o.save {
		path = license.TimestampedFileName(time.Now())
	}

	if path == "" {
		return c.print(map[string]string{"token": token}, func(w io.Writer) {
			fmt.Fprintln(w, token)
		})
	}

	if err := license.PersistToken(token, path); err != nil {
		return err
	}
	fp, err := license.Fingerprint(token)
	if err != nil {
		return err
	}
	return c.print(map[string]string{"path": path, "fingerprint": fp}, func(w io.Writer) {
		fmt.Fprintf(w, "License written to %s\n", path)
		fmt.Fprintf(w, "  fingerprint: %s\n", fp)
	})
}

func issueCustomCmd(c *cli) *cobra.Command {
	var (
		plan         string
		user         string
		maxQueries   int64
		days         int
		features     []string
		restrictions []string
		extra        map[string]string
		output       outputFlags
	)

	cmd := &cobra.Command{
		Use:   "custom",
		Short: "Issue a license with explicit terms",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := license.IssueRequest{
				Plan:         plan,
				Features:     features,
				Restrictions: restrictions,
			}
			if user != "" {
				req.UserID = &user
			}
			// unset flags fall back to the configured defaults
			if cmd.Flags().Changed("max-queries") {
				req.MaxQueriesPerDay = &maxQueries
			}
			if cmd.Flags().Changed("days") {
				req.ValidityDays = &days
			}
			if len(extra) > 0 {
				req.Extra = make(map[string]any, len(extra))
				for k, v := range extra {
					req.Extra[strings.TrimSpace(k)] = v
				}
			}

			gen, err := c.generator(cmd.Context())
			if err != nil {
				return err
			}
			token, err := gen.IssueLicense(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to issue license: %w", err)
			}
			return c.emit(token, output)
		},
	}

	cmd.Flags().StringVarP(&plan, "plan", "p", "", "plan name (required)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id bound to the license")
	cmd.Flags().Int64Var(&maxQueries, "max-queries", 0, "daily query quota (defaults to licensing.max_queries_per_day)")
	cmd.Flags().IntVar(&days, "days", 0, "validity in days (defaults to licensing.token_expiry_days)")
	cmd.Flags().StringSliceVar(&features, "feature", nil, "granted feature (repeatable)")
	cmd.Flags().StringSliceVar(&restrictions, "restriction", nil, "restriction marker (repeatable)")
	cmd.Flags().StringToStringVar(&extra, "extra", nil, "additional signed field as key=value (repeatable)")
	output.register(cmd)
	cmd.MarkFlagRequired("plan")

	return cmd
}

func issuePresetCmd(c *cli, name, summary string, issue func(context.Context, *license.Generator, string) (string, error)) *cobra.Command {
	var user string
	var output outputFlags

	cmd := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Issue a %s license (%s)", name, summary),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := c.generator(cmd.Context())
			if err != nil {
				return err
			}
			token, err := issue(cmd.Context(), gen, user)
			if err != nil {
				return fmt.Errorf("failed to issue %s license: %w", name, err)
			}
			return c.emit(token, output)
		},
	}

	if name == "evaluation" || name == "internal" {
		cmd.Flags().StringVarP(&user, "user", "u", "", "user id bound to the license")
	}
	output.register(cmd)

	return cmd
}

// setupCmd returns the setup subcommand that prepares a fresh installation.
func setupCmd(c *cli) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create keys if missing and write demo and development licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			lc := c.cfg.Licensing
			result, err := license.Setup(cmd.Context(), c.keyStore(), lc.KeySize, dir,
				license.WithDefaults(lc.DefaultValidityDays, int64(lc.DefaultMaxQueriesPerDay)),
				license.WithGeneratorLogger(c.logger))
			if err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}

			return c.print(result, func(w io.Writer) {
				if result.KeysGenerated {
					fmt.Fprintf(w, "Generated key pair in %s\n", lc.KeysDir)
				} else {
					fmt.Fprintln(w, "Using existing key pair")
				}
				fmt.Fprintf(w, "Demo license:        %s\n", result.DemoPath)
				fmt.Fprintf(w, "Development license: %s\n", result.DevelopmentPath)
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory for the generated license files")

	return cmd
}
