package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"versekeep/internal/config"
	"versekeep/internal/db"
	"versekeep/internal/engine"
	"versekeep/internal/engine/notify"
	"versekeep/internal/logger"
	"versekeep/internal/migrate"
	"versekeep/internal/scheduler"
)

// Options select the workspace and runtime knobs shared by the CLI and the
// HTTP server.
type Options struct {
	Workspace string
	LogMode   string
	LogLevel  string
	// RedisAddr overrides notify.redis_addr from the config file.
	RedisAddr string
	Now       func() time.Time
}

// Runtime is an opened workspace: migrated database, loaded config and the
// engine wired over them.
type Runtime struct {
	DB        *sql.DB
	Config    *config.Config
	Logger    *logger.Logger
	Publisher notify.Publisher
	Engine    engine.Engine
}

// Open prepares the workspace, migrates the database and builds the engine.
// A missing versekeep.yml falls back to the built-in defaults.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(opts.LogMode, opts.LogLevel)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt := &Runtime{DB: conn, Config: cfg, Logger: log, Publisher: notify.NopPublisher{}}
	var pubs notify.MultiPublisher
	addr := opts.RedisAddr
	if addr == "" {
		addr = cfg.Notify.RedisAddr
	}
	if addr != "" {
		pub, err := notify.NewRedisPublisher(ctx, log, addr, cfg.Notify.Channel)
		if err != nil {
			// Notifications stay in the store; only the live channel is lost.
			log.Warn("redis publisher unavailable", "addr", addr, "error", err)
		} else {
			pubs = append(pubs, pub)
		}
	}
	if hooks := notify.NewWebhookPublisher(log, cfg.Notify.Webhooks); hooks != nil {
		pubs = append(pubs, hooks)
	}
	switch len(pubs) {
	case 0:
	case 1:
		rt.Publisher = pubs[0]
	default:
		rt.Publisher = pubs
	}
	rt.Engine = engine.New(conn, cfg, engine.Options{Now: opts.Now, Logger: log, Publisher: rt.Publisher})
	return rt, nil
}

// Scheduler builds the periodic enforcement scheduler for this runtime.
func (rt *Runtime) Scheduler() (*scheduler.Scheduler, error) {
	return scheduler.New(rt.Engine, rt.Config.Scheduler, scheduler.Options{Logger: rt.Logger, Now: rt.Engine.Now})
}

// Subscriber returns the Redis publisher when one is connected.
func (rt *Runtime) Subscriber() (*notify.RedisPublisher, bool) {
	switch p := rt.Publisher.(type) {
	case *notify.RedisPublisher:
		return p, true
	case notify.MultiPublisher:
		for _, inner := range p {
			if pub, ok := inner.(*notify.RedisPublisher); ok {
				return pub, true
			}
		}
	}
	return nil, false
}

func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	if rt.Publisher != nil {
		_ = rt.Publisher.Close()
	}
	rt.Logger.Sync()
	return rt.DB.Close()
}
