package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/pantry/internal/config"
	"github.com/dukerupert/pantry/internal/database"
	"github.com/dukerupert/pantry/internal/logging"
	"github.com/dukerupert/pantry/internal/seed"
	"github.com/dukerupert/pantry/internal/server"
	"github.com/dukerupert/pantry/internal/store"
)

const cleanupInterval = time.Hour

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "pantry",
		Short:         "Pantry manager with magic link sign-in",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Create the demo user and pantry",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

				db, err := database.Open(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("open database: %w", err)
				}
				defer db.Close()

				_, _, err = seed.Run(store.NewUserStore(db), store.NewShelfStore(db), logger.With("component", "seed"))
				return err
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and print the schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

				// Open runs pending migrations.
				db, err := database.Open(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("open database: %w", err)
				}
				defer db.Close()

				version, err := database.Version(db)
				if err != nil {
					return fmt.Errorf("schema version: %w", err)
				}
				logger.Info("database migrated", "path", cfg.DBPath, "version", version)
				return nil
			},
		},
	)

	return cmd
}

// loadConfig layers the optional file and the environment over the defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	srv, err := server.New(db, cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic cleanup of expired sessions and rate limiter windows
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.SessionStore().DeleteExpired(); err != nil {
					logger.Error("cleanup expired sessions", "error", err)
				} else if n > 0 {
					logger.Info("cleaned up expired sessions", "count", n)
				}
				srv.RateLimiter().Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pantry starting", "addr", httpServer.Addr, "origin", cfg.Origin)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
