package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quizgate/internal/auth"
	"github.com/roach88/quizgate/internal/config"
	"github.com/roach88/quizgate/internal/feed"
	"github.com/roach88/quizgate/internal/httpapi"
	"github.com/roach88/quizgate/internal/store"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config   string
	Listen   string
	Database string

	// Ready, when set, receives the bound address once the server accepts
	// connections (for testing).
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session store, change feed and HTTP API",
		Long: `Run the quizgate server.

Opens the SQLite session store (creating it if it doesn't exist), starts
the change feed broker and serves the HTTP API until SIGINT or SIGTERM.

Example:
  quizgate serve --config ./quizgate.yaml
  quizgate serve --config ./quizgate.yaml --listen :9090 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to quizgate.yaml")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	dir, err := cfg.Directory()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid moderator accounts", err)
	}
	if dir.Len() == 0 {
		slog.Warn("no moderator accounts configured; only participant routes are usable")
	}
	issuer, err := auth.NewIssuer([]byte(cfg.JWTSecret), cfg.TokenTTL)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("jwt_secret is required (or set %s)", config.EnvJWTSecret), err)
	}

	slog.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := feed.NewBroker(st, feed.WithPollInterval(cfg.Feed.PollInterval))
	st.OnCommit(broker.Wake)
	brokerDone := make(chan error, 1)
	go func() { brokerDone <- broker.Run(ctx) }()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := httpapi.NewServer(st, broker, dir, issuer).HTTPServer(cfg.Listen)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	slog.Info("server listening", "addr", addr, "db", cfg.Database, "moderators", dir.Len())
	fmt.Fprintf(cmd.OutOrStdout(), "quizgate listening on %s\n", addr)
	if opts.Ready != nil {
		opts.Ready <- addr
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown incomplete", "error", err)
	}
	stop()
	if err := <-brokerDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("feed broker stopped with error", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
