package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/dosrun"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen          string
	ShutdownTimeout time.Duration
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the dosrun daemon",
		Long: `Start the dosrun daemon: open the catalog, serve the HTTP API and
supervise launched games until interrupted.

Examples:
  dosrun serve
  dosrun serve dosrun.toml
  dosrun serve --listen=0.0.0.0:7878`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(cmd.Context(), configPath, serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override server.listen")
	cmd.Flags().DurationVar(&serveFlags.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for running games on shutdown")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags *ServeFlags) error {
	cfg, err := dosrun.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := dosrun.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := app.Serve(ctx); err != nil {
		_ = app.Close(context.Background())
		return err
	}
	fmt.Printf("Starting dosrun server on %s%s\n", app.Addr(), cfg.Server.BasePath)

	<-ctx.Done()
	fmt.Println("Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), flags.ShutdownTimeout)
	defer cancel()
	return app.Close(sctx)
}
