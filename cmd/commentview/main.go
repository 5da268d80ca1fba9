// Command commentview serves the comment view model over HTTP and inspects
// comment threads from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/civicsite/commentview/api"
	"github.com/civicsite/commentview/api/validator"
	"github.com/civicsite/commentview/comment"
	"github.com/civicsite/commentview/config"
	"github.com/civicsite/commentview/postgres"
	"github.com/civicsite/commentview/redis"
	"github.com/civicsite/commentview/remote"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	Version = "0.1.0"
	appName = "commentview"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Comment threads with visitor-local reactions and replies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	setup := func() (config.Config, *slog.Logger, error) {
		logger := newLogger(os.Stderr, logLevel)
		slog.SetDefault(logger)
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, nil, fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return config.Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, logger, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	})
	cmd.AddCommand(showCmd(setup))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openProfiles connects the configured visitor profile backend. The returned
// func releases it.
func openProfiles(ctx context.Context, cfg config.Storage, logger *slog.Logger) (comment.Profiles, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		r, err := redis.Connect(ctx, cfg.RedisAddr, cfg.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("Using Redis for visitor profiles", "addr", cfg.RedisAddr)
		return r, func() { _ = r.Close() }, nil
	case config.BackendPostgres:
		pg, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Info("Using PostgreSQL for visitor profiles")
		return pg, func() { _ = pg.Close() }, nil
	}
	logger.Info("Using process memory for visitor profiles")
	return comment.NewMemoryProfiles(), func() {}, nil
}

func newSource(cfg config.Config, logger *slog.Logger) *remote.Client {
	return remote.New(remote.Options{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.Remote.Timeout,
		Retries: cfg.Remote.Retries,
		Logger:  logger,
	})
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles, closeProfiles, err := openProfiles(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeProfiles()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: &api.API{
			Logger:   logger,
			Source:   newSource(cfg, logger),
			Profiles: profiles,
			Val:      validator.New(),
			Metrics:  api.NewMetrics(),
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func showCmd(setup func() (config.Config, *slog.Logger, error)) *cobra.Command {
	var (
		itemType  string
		itemID    int64
		sortMode  string
		visitorID string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the merged comments of an item as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			profiles, closeProfiles, err := openProfiles(ctx, cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer closeProfiles()

			vm := comment.New(comment.Key{Type: comment.ItemType(itemType), ItemID: itemID}, comment.Options{
				Source:          newSource(cfg, logger),
				Storage:         profiles.Profile(visitorID),
				Logger:          logger,
				RefreshInterval: cfg.RefreshInterval,
			})
			defer vm.Close()

			if _, err := vm.Load(ctx, comment.ParseSortMode(sortMode)); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(vm.State().Comments); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			t := time.NewTicker(cfg.RefreshInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
				// A failed refresh keeps the previous list and sets the message.
				if err := vm.Refresh(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Warn("Refresh failed", "message", vm.State().Message)
				}
				if err := enc.Encode(vm.State().Comments); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().StringVar(&itemType, "type", string(comment.News), "Content type (news, projects, resources)")
	cmd.Flags().Int64Var(&itemID, "item", 0, "Content item ID")
	cmd.Flags().StringVar(&sortMode, "sort", string(comment.SortNewest), "Sort order (newest, top)")
	cmd.Flags().StringVar(&visitorID, "visitor", uuid.Nil.String(), "Visitor profile ID")
	cmd.Flags().BoolVar(&watch, "watch", false, "Refresh every refresh_interval and print each result")
	return cmd
}
