package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jsherman999/domwatch/internal/api"
	"github.com/jsherman999/domwatch/internal/config"
	"github.com/jsherman999/domwatch/internal/connection"
	"github.com/jsherman999/domwatch/internal/db"
	"github.com/jsherman999/domwatch/internal/logging"
	"github.com/jsherman999/domwatch/internal/store"
	"github.com/jsherman999/domwatch/internal/watcher"
	"github.com/jsherman999/domwatch/internal/worker"
)

func Main() {
	var cfgPath string

	root := &cobra.Command{Use: "domwatchd", Short: "domwatch daemon (API + change relay)"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	root.AddCommand(migrateCmd(&cfgPath))
	root.AddCommand(serveCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cfgPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			dbConn, err := db.Open(ctx, cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer dbConn.Close()
			applied, err := db.ApplyMigrations(ctx, dbConn)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Strings("applied", applied))
			return nil
		},
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the change relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	dbConn, err := db.Open(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	applied, err := db.ApplyMigrations(ctx, dbConn)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("applied", applied))
	}

	adapter, err := connection.Open(ctx, cfg, dbConn.Pool, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, adapter.Close()) }()

	filter, err := cfg.WatchFilter()
	if err != nil {
		return err
	}
	w, err := watcher.New(adapter, filter,
		watcher.WithLogger(logger),
		watcher.WithTeardownTimeout(cfg.Watcher.TeardownTimeout),
		watcher.WithFaultHandler(func(f *watcher.ListenerFault) {
			logger.Error("listener fault", zap.Error(f))
		}),
	)
	if err != nil {
		return err
	}
	// Runs before the adapter is closed.
	defer w.Dispose()

	relayed := cfg.Watcher.Transport != config.TransportPostgres
	st := store.New(dbConn, relayed)
	h := api.New(cfg, st, w, logger)
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts end with the group so SSE streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		logger.Info("domwatchd listening",
			zap.String("addr", cfg.API.Listen),
			zap.String("transport", cfg.Watcher.Transport),
			zap.String("module", filter.Module))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	if relayed {
		relay := worker.NewRelay(st, adapter, cfg.Relay.PollInterval, logger)
		g.Go(func() error { return relay.Run(gctx) })
	}
	return g.Wait()
}
