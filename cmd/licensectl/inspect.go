package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"localrag/internal/license"
)

// inspectCmd decodes a token without verifying it.
func inspectCmd(c *cli) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "inspect [token]",
		Short: "Show the contents of a token without verifying its signature",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.tokenArg(args, file)
			if err != nil {
				return err
			}

			info, err := license.Inspect(token, time.Now())
			if err != nil {
				return err
			}

			return c.print(info, func(w io.Writer) {
				d := info.Data
				fmt.Fprintln(w, "UNVERIFIED: the signature was not checked")
				fmt.Fprintf(w, "Plan:         %s\n", d.Plan)
				fmt.Fprintf(w, "User:         %s\n", userOrDash(d.UserID))
				fmt.Fprintf(w, "Issued:       %s\n", info.IssuedAt.Format(time.RFC3339))
				fmt.Fprintf(w, "Expires:      %s (expired: %t)\n", info.ExpiresAt.Format(time.RFC3339), info.Expired)
				fmt.Fprintf(w, "Daily quota:  %d\n", d.MaxQueriesPerDay)
				fmt.Fprintf(w, "Features:     %s\n", joinOrDash(d.Features))
				fmt.Fprintf(w, "Restrictions: %s\n", joinOrDash(d.Restrictions))
				fmt.Fprintf(w, "Fingerprint:  %s\n", info.Fingerprint)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the token from this file")

	return cmd
}

// validateCmd runs the full validation pipeline against the local ledger.
func validateCmd(c *cli) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate [token]",
		Short: "Verify a token and check its expiry and daily quota",
		Long: `Verify a token's signature with the configured public key, then check its
expiry and the daily quota recorded in the usage ledger. Validation does not
consume quota.

The command exits non-zero when the license is not valid.`,
		Args: cobra.MaximumNArgs(1),
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

			result := v.Validate(cmd.Context(), token)
			if err := c.print(result, func(w io.Writer) {
				if !result.Valid {
					fmt.Fprintf(w, "INVALID (%s): %s\n", result.Reason, result.Message)
					return
				}
				fmt.Fprintf(w, "VALID: %s\n", result.Message)
				fmt.Fprintf(w, "Plan:              %s\n", result.Data.Plan)
				fmt.Fprintf(w, "Remaining queries: %d\n", result.RemainingQueries)
			}); err != nil {
				return err
			}

			if !result.Valid {
				return result.Err()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the token from this file")

	return cmd
}

func userOrDash(id *string) string {
	if id == nil || *id == "" {
		return "-"
	}
	return *id
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
