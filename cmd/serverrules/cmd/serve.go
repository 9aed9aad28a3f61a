package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solatis/serverrules/internal/core/api"
	"github.com/solatis/serverrules/internal/core/auth"
	"github.com/solatis/serverrules/internal/core/config"
	"github.com/solatis/serverrules/internal/core/db"
	"github.com/solatis/serverrules/internal/core/metrics"
	"github.com/solatis/serverrules/internal/core/reload"
	"github.com/solatis/serverrules/internal/core/rulefiles"
	"github.com/solatis/serverrules/internal/core/server"
	"github.com/solatis/serverrules/internal/operators"
	"github.com/solatis/serverrules/internal/rules"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC rules service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50051, "gRPC server port")
	serveCmd.Flags().String("rules-source", config.SourceDatabase, "rule source (database, files)")
	serveCmd.Flags().String("rules-dir", "", "rule file directory for the files source")
	serveCmd.Flags().Bool("validate", true, "validate rule bodies against their schemas")
	serveCmd.Flags().String("reload-schedule", "@every 5m", "cron schedule for reloading rules, empty disables")
	serveCmd.Flags().Bool("watch", false, "reload when rule files change (files source only)")
	serveCmd.Flags().Int("metrics-port", 9090, "Prometheus metrics port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	database, queries, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := requireMigrated(database); err != nil {
		return err
	}

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set SR_HMAC_SECRET environment variable)")
	}
	authenticator := auth.NewAuthenticator(secrets, queries)

	source, err := ruleSource(cfg, queries)
	if err != nil {
		return err
	}
	registry, err := operators.NewRegistry(logger)
	if err != nil {
		return fmt.Errorf("failed to register operators: %w", err)
	}

	var observers []rules.Observer
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		observers = append(observers, collector)
	}
	manager, err := rules.NewManager(engineConfig(cfg), source, registry, logger, observers...)
	if err != nil {
		return fmt.Errorf("failed to create rules manager: %w", err)
	}

	service, err := api.NewRulesService(manager, db.NewAuditLog(queries), logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	service.AllowApplyTimes(applyTimes(cfg.Rules.ApplyTimes)...)

	grpcServer, err := server.NewGRPCServer(cfg.Server, service, authenticator, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	scheduler := reload.NewScheduler(cfg.Rules.ReloadSchedule, manager, logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	logger.Info("starting serverrules",
		"version", Version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"rules_source", cfg.Rules.Source)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Start(gctx)
	})

	var metricsServer *server.MetricsServer
	if collector != nil {
		metricsServer = server.NewMetricsServer(cfg.Metrics, collector.Handler(), logger)
		g.Go(metricsServer.Start)
	}

	if cfg.Rules.Watch {
		watcher := rulefiles.NewWatcher(cfg.Rules.Dir, cfg.Rules.WatchDebounce, logger)
		g.Go(func() error {
			return watcher.Run(gctx, func(ctx context.Context) error {
				_, err := manager.ReloadAll(ctx)
				return err
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var errs []error
		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
