package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jsherman999/domwatch/internal/config"
	"github.com/jsherman999/domwatch/internal/connection"
	"github.com/jsherman999/domwatch/internal/db"
	"github.com/jsherman999/domwatch/internal/dom"
	"github.com/jsherman999/domwatch/internal/logging"
	"github.com/jsherman999/domwatch/internal/watcher"
)

func tailCmd(cfgPath *string) *cobra.Command {
	var filterExpr string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print matching instance changes as JSON lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.Watcher.Transport == config.TransportMemory {
				return errors.New("tail needs the redis or postgres transport; memory is in-process only")
			}
			if filterExpr != "" {
				cfg.Watcher.Filter = filterExpr
			}
			filter, err := cfg.WatchFilter()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var pool *pgxpool.Pool
			if cfg.Watcher.Transport == config.TransportPostgres {
				dbConn, err := db.Open(ctx, cfg.DB.DSN)
				if err != nil {
					return err
				}
				defer dbConn.Close()
				pool = dbConn.Pool
			}
			adapter, err := connection.Open(ctx, cfg, pool, logger)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, adapter.Close()) }()

			return runTail(ctx, adapter, filter, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVar(&filterExpr, "filter", "", "expr filter, overrides watcher.filter (e.g. 'Fields.impact > 2')")
	return cmd
}

type tailLine struct {
	Kind     string       `json:"kind"`
	Instance dom.Instance `json:"instance"`
}

// runTail attaches one listener and writes a line per changed instance until
// ctx is done. The watcher is disposed on return.
func runTail(ctx context.Context, conn connection.Connection, filter dom.Filter, out io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := watcher.New(conn, filter, watcher.WithLogger(logger))
	if err != nil {
		return err
	}
	defer w.Dispose()

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	write := func(kind string, insts []dom.Instance) {
		for _, inst := range insts {
			if err := enc.Encode(tailLine{Kind: kind, Instance: inst}); err != nil {
				logger.Warn("write failed", zap.Error(err))
			}
		}
	}
	_, err = w.Attach(ctx, func(ev *dom.InstancesChangedEvent) {
		mu.Lock()
		defer mu.Unlock()
		write("created", ev.Created)
		write("updated", ev.Updated)
		write("deleted", ev.Deleted)
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
