package main

import (
	"context"
	"fmt"

	"github.com/MimeLyc/anidub/internal/config"
	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/internal/persistence"
	"github.com/MimeLyc/anidub/internal/redisq"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/spf13/cobra"
)

// app is the shared state of every command: configuration, the job ledger
// and the queue backend.
type app struct {
	cfg     *config.Config
	store   *persistence.SQLiteStore
	backend jobs.Backend
	redis   *redisq.Backend
}

func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	var opts []config.Option
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		opts = append(opts, config.WithDataDir(dir))
	}
	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	store, err := persistence.NewSQLiteStore(cfg.DBPath(), persistence.WithLogDir(cfg.System.LogDir))
	if err != nil {
		return nil, fmt.Errorf("open job ledger: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	if cfg.Redis.Enabled() {
		rb, err := redisq.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisq.Options{
			Prefix:  cfg.Redis.Prefix,
			LockTTL: cfg.Redis.LockTTL,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = rb
		a.backend = rb
	} else {
		a.backend = jobs.NewLocalBackend()
	}
	return a, nil
}

func (a *app) layout() jobs.Layout {
	return jobs.Layout{
		OutputRoot: a.cfg.System.OutputDir,
		WorkRoot:   a.cfg.System.WorkDir,
		LogRoot:    a.cfg.System.LogDir,
	}
}

// controlQueue is a queue that is never started: it writes state changes to
// the ledger and the backend for a serving process to act on.
func (a *app) controlQueue() *jobs.Queue {
	return jobs.NewQueue(a.store, nil, jobs.Options{Layout: a.layout(), Backend: a.backend})
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn("Close redis: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		log.Warn("Close job ledger: %v", err)
	}
}
