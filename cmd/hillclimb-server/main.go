// Command hillclimb-server serves the web build of the game through a local
// cache so it keeps working when the origin is unreachable.
//
// Usage:
//
//	hillclimb-server -origin http://localhost:8000 -listen 127.0.0.1:8080 -sqlite cache.db
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/DerDruckpilot/Hill-Climber/pkg/offline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hillclimb-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config-dir", ".", "directory containing hillclimb-server.yaml")
	listen := flag.String("listen", "", "listen address (overrides config)")
	origin := flag.String("origin", "", "origin URL of the web build (overrides config)")
	sqlitePath := flag.String("sqlite", "", "SQLite cache file (overrides config)")
	dsn := flag.String("dsn", "", "Postgres DSN (overrides config)")
	logLevel := flag.String("log-level", "", "trace, debug, info, warn or error (overrides config)")
	flag.Parse()

	v := viper.New()
	// flags beat env and file, so only explicitly set ones are applied
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			v.Set("listen", *listen)
		case "origin":
			v.Set("origin", *origin)
		case "sqlite":
			v.Set("db.sqlitePath", *sqlitePath)
		case "dsn":
			v.Set("db.dsn", *dsn)
		case "log-level":
			v.Set("logLevel", *logLevel)
		}
	})

	cfg, err := offline.LoadConfig(v, *configDir)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	if used := v.ConfigFileUsed(); used != "" {
		log.Info().Str("file", used).Msg("Loaded config")
	}

	store, err := offline.OpenStore(cfg.DB, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing cache storage")
		}
	}()

	srv, err := offline.NewServer(cfg, store, &http.Client{}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("origin", cfg.Origin).Msg("Serving")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// requests pass through to the origin until install and activate finish
	if _, err := srv.Install(ctx); err != nil {
		log.Warn().Err(err).Msg("Install did not finish")
	} else if err := srv.Activate(ctx); err != nil {
		log.Error().Err(err).Msg("Activation failed, serving without cache")
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	if err := srv.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Background revalidations abandoned")
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).Level(lvl).With().Timestamp().Logger()
}
