package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// keysCmd returns the keys subcommand for managing the signing key pair.
func keysCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the RSA signing key pair",
	}
	cmd.AddCommand(keysGenerateCmd(c))
	return cmd
}

func keysGenerateCmd(c *cli) *cobra.Command {
	var bits int
	var force bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new signing key pair",
		Long: `Generate a new RSA key pair into the configured keys directory.

Existing keys are kept unless --force is given. Regenerating keys invalidates
every token signed with the old key.

Examples:
  licensectl keys generate
  licensectl keys generate --bits 4096 --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bits == 0 {
				bits = c.cfg.Licensing.KeySize
			}

			store := c.keyStore()
			if _, err := store.Generate(cmd.Context(), bits, force); err != nil {
				return fmt.Errorf("failed to generate keys: %w", err)
			}

			return c.print(map[string]any{
				"private_key": store.PrivateKeyPath(),
				"public_key":  store.PublicKeyPath(),
				"bits":        bits,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "Generated %d-bit key pair\n", bits)
				fmt.Fprintf(w, "  private: %s\n", store.PrivateKeyPath())
				fmt.Fprintf(w, "  public:  %s\n", store.PublicKeyPath())
				if force {
					fmt.Fprintln(w, "Tokens signed with the previous key no longer validate.")
				}
			})
		},
	}

	cmd.Flags().IntVar(&bits, "bits", 0, "RSA modulus size (defaults to licensing.key_size)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing keys")

	return cmd
}
