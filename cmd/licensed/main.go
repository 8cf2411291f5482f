// Command licensed runs the license gate server: the local license API, the
// usage stream and, when an upstream is configured, the gated host proxy.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"localrag/internal/app"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	application, err := app.NewApplication(configPath)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}
