// Command filedash is the process entry point: it loads configuration,
// opens the database, ensures an administrator account exists, and serves
// the HTTP API (and, if configured, the static frontend) until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filedash/internal/auth"
	"filedash/internal/bootstrap"
	"filedash/internal/config"
	"filedash/internal/db"
	"filedash/internal/filesvc"
	"filedash/internal/httpapi"
	"filedash/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// run parses flags and drives the server lifecycle. It returns a non-nil
// error only for startup failures or an unclean shutdown.
func run(argv []string) error {
	fs := flag.NewFlagSet("filedash", flag.ContinueOnError)
	configPath := fs.String("config", "filedash.toml", "path to the TOML config file")
	if err := fs.Parse(argv); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, _, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		JSON:        cfg.Logging.Format == "json",
		DefaultSlog: true,
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Files.HomeDirectory, 0o755); err != nil {
		return fmt.Errorf("prepare home directory: %w", err)
	}

	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := bootstrap.EnsureAdmin(ctx, database, logger, cfg.Admin.DefaultEmail, cfg.Admin.DefaultPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	ttl := time.Duration(cfg.Auth.TokenExpiration) * time.Second
	tokens, err := auth.NewTokenService([]byte(cfg.Auth.JWTSecret), ttl, database)
	if err != nil {
		return fmt.Errorf("configure token service: %w", err)
	}

	srv := &httpapi.Server{
		DB:             database,
		Logger:         logger,
		Tokens:         tokens,
		Files:          filesvc.New(cfg.Files.HomeDirectory),
		MaxUploadSize:  cfg.Files.MaxUploadSize,
		MaxRequestSize: cfg.Security.MaxRequestSize,
		CORSOrigins:    cfg.Security.CORSAllowedOrigins,
		EnableAuth:     cfg.Auth.EnableAuth,
		StaticDir:      cfg.Static.Directory,
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serverDone <- err
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serverDone:
		if err != nil {
			logger.Error("server exited", "err", err)
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-serverDone
}
