package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kaizen"
)

// shutdownTimeout bounds the final flush after the MCP client goes away.
const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the loop and serve its MCP tools over stdio",
		Long: `Run the self-improvement manager and serve the self_improvement_* MCP tools
on stdin/stdout. Logs go to stderr, and to KAIZEN_LOG_FILE when set.

The server exits when the client closes stdin or on SIGINT/SIGTERM. Queued
invocations are flushed before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, closeLog := newLogger(os.Getenv("KAIZEN_LOG_LEVEL"), os.Getenv("KAIZEN_LOG_FILE"))
			defer closeLog()
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := kaizen.New(appOptions(cmd, logger)...)
			if err != nil {
				return err
			}
			return serve(ctx, app, logger)
		},
	}
}

func serve(ctx context.Context, app *kaizen.App, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdio := mcpserver.NewStdioServer(app.MCPServer())
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Run(gctx)
	})
	g.Go(func() error {
		// The client closing stdin ends the session and the process.
		defer cancel()
		err := stdio.Listen(gctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio: %w", err)
		}
		logger.Info("mcp client disconnected")
		return nil
	})

	err := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if serr := app.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, closeLog := newLogger(os.Getenv("KAIZEN_LOG_LEVEL"), os.Getenv("KAIZEN_LOG_FILE"))
			defer closeLog()
			return kaizen.Migrate(cmd.Context(), appOptions(cmd, logger)...)
		},
	}
}

func appOptions(cmd *cobra.Command, logger *slog.Logger) []kaizen.Option {
	opts := []kaizen.Option{kaizen.WithLogger(logger), kaizen.WithVersion(version)}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		opts = append(opts, kaizen.WithDriver(driver))
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		opts = append(opts, kaizen.WithDatabaseURL(db))
	}
	return opts
}
