// Command licensectl administers offline licenses: signing keys, token
// issuance, validation and the usage ledger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"localrag/internal/config"
	"localrag/internal/infrastructure"
	"localrag/internal/ledger"
	"localrag/internal/license"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "licensectl",
		Short:         "Offline license administration",
		Long:          `licensectl manages RSA signing keys, issues signed license tokens and inspects the local usage ledger.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to config.yaml")
	rootCmd.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(keysCmd(c))
	rootCmd.AddCommand(issueCmd(c))
	rootCmd.AddCommand(setupCmd(c))
	rootCmd.AddCommand(inspectCmd(c))
	rootCmd.AddCommand(validateCmd(c))
	rootCmd.AddCommand(usageCmd(c))

	return rootCmd
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.out = cmd.OutOrStdout()

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	c.logger = infrastructure.NewLoggerWithWriter(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	return nil
}

func (c *cli) keyStore() *license.KeyStore {
	lc := c.cfg.Licensing
	return license.NewKeyStore(lc.PrivateKeyFile(), lc.PublicKeyFile(),
		license.WithPassphrase(lc.KeyPassphrase),
		license.WithKeyStoreLogger(c.logger))
}

func (c *cli) generator(ctx context.Context) (*license.Generator, error) {
	key, err := c.keyStore().LoadPrivateKey(ctx)
	if err != nil {
		return nil, err
	}
	lc := c.cfg.Licensing
	return license.NewGenerator(key,
		license.WithDefaults(lc.DefaultValidityDays, int64(lc.DefaultMaxQueriesPerDay)),
		license.WithGeneratorLogger(c.logger)), nil
}

func (c *cli) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	lc := c.cfg.Licensing
	return ledger.Open(ctx, lc.LedgerFile(),
		ledger.WithReportWindow(reportWindow(lc.ReportWindowDays)),
		ledger.WithBusyTimeout(lc.BusyTimeout),
		ledger.WithMaxRetries(lc.MaxBusyRetries),
		ledger.WithLogger(c.logger))
}

// validator opens the ledger and builds a validator; the caller closes the ledger.
func (c *cli) validator(ctx context.Context) (*license.Validator, *ledger.Ledger, error) {
	publicKey, err := c.keyStore().LoadPublicKey(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "verification key not available", slog.String("error", err.Error()))
	}

	l, err := c.openLedger(ctx)
	if err != nil {
		return nil, nil, err
	}
	return license.NewValidator(publicKey, l, license.WithLogger(c.logger)), l, nil
}

// tokenArg resolves the token from the argument, --file, or the configured token file.
func (c *cli) tokenArg(args []string, file string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if file == "" {
		file = c.cfg.Licensing.TokenFile
	}
	if file == "" {
		return "", fmt.Errorf("a token argument or --file is required")
	}
	return license.LoadTokenFile(file)
}

// print writes v as indented JSON when --json is set, otherwise calls text.
func (c *cli) print(v any, text func(w io.Writer)) error {
	if c.jsonOutput {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(c.out)
	return nil
}
