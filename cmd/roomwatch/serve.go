package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/roomwatch"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags.ConfigPath)
		},
	}
}

func runServe(parent context.Context, path string) error {
	cfg, err := roomwatch.LoadConfig(path)
	if err != nil {
		return err
	}
	log, closer := cfg.Log.NewSlogger()
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := roomwatch.New(ctx, cfg, roomwatch.WithConfigFile(path))
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	return d.Run(ctx)
}
