// Package app wires configuration, logging, the Telegram adapter, the
// membership store, and the approval/broadcast services into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"approvebot/internal/broadcast"
	"approvebot/internal/config"
	"approvebot/internal/digest"
	"approvebot/internal/membership"
	rtsup "approvebot/internal/runtime/supervisor"
	kit "approvebot/internal/transport"
	"approvebot/internal/transport/telegram/adapter"
	"approvebot/internal/transport/telegram/router"
	"approvebot/pkg/logx"

	"approvebot/internal/approval"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	adapter *adapter.Adapter
	store   *membership.Store
	proc    *approval.Processor
	engine  *broadcast.Engine
	digest  *digest.Service
	disp    *router.Dispatcher

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error { return c.Validate() })

	pollTimeout, _ := cfg.PollTimeout()
	tg, err := adapter.New(adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	store, err := openStore(cfg, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	proc := approval.New(tg, store, log.With(logx.String("comp", "approval")))
	proc.SetChannels(cfg.Telegram.DataChannelID, cfg.Telegram.LogChannelID)

	engine := broadcast.New(broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		RatePerSec: cfg.Broadcast.RatePerSec,
		RetryMax:   cfg.Broadcast.RetryMax,
	}, tg, log.With(logx.String("comp", "broadcast")))

	dig := digest.New(store, tg, log.With(logx.String("comp", "digest")))

	disp := router.NewDispatcher(log.With(logx.String("comp", "router")), tg, cfg.Telegram.AdminUserIDs)

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		adapter: tg,
		store:   store,
		proc:    proc,
		engine:  engine,
		digest:  dig,
		disp:    disp,
	}

	disp.Register(a.commands()...)
	disp.OnJoinRequest(proc.Process)

	return a, nil
}

// openStore opens the persistence backend and loads prior state. A corrupt
// artifact aborts startup unless storage.allow_reset is set: silently
// discarding prior membership state must be an explicit operator decision.
func openStore(cfg *config.Config, log logx.Logger) (*membership.Store, error) {
	storeLog := log.With(logx.String("comp", "membership"))
	backend, err := membership.OpenBackend(membership.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
	}, storeLog)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := membership.Load(ctx, backend, storeLog)
	if err != nil {
		if !cfg.Storage.AllowReset {
			_ = backend.Close()
			return nil, fmt.Errorf("load membership state (set storage.allow_reset to discard it): %w", err)
		}
		storeLog.Warn("membership state unreadable; starting empty", logx.Err(err))
		store = membership.NewStore(nil, backend, storeLog)
	}
	return store, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))))
	a.updates = make(chan kit.Update, 256)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start telegram adapter: %w", err)
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.disp.DispatchLoop(c, a.updates)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(next)
			}
		}
	})

	if err := a.digest.Apply(digest.Config{
		Enabled:  cfg.Digest.Enabled,
		Schedule: cfg.Digest.Schedule,
		TargetID: cfg.Telegram.LogChannelID,
	}); err != nil {
		a.log.Warn("digest not scheduled", logx.Err(err))
	}

	a.log.Info("bot started",
		logx.Int("admins", len(cfg.Telegram.AdminUserIDs)),
		logx.Bool("data_channel", cfg.Telegram.DataChannelID != 0),
		logx.Bool("log_channel", cfg.Telegram.LogChannelID != 0),
		logx.String("storage", cfg.Storage.Driver),
	)
	return nil
}

// applyConfig pushes a hot-reloaded config into the running services.
// Token and storage changes are deliberately not applied: both require a
// restart, and swapping them live would orphan in-flight work.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.disp.SetAdmins(cfg.Telegram.AdminUserIDs)
	a.proc.SetChannels(cfg.Telegram.DataChannelID, cfg.Telegram.LogChannelID)
	a.engine.Apply(broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		RatePerSec: cfg.Broadcast.RatePerSec,
		RetryMax:   cfg.Broadcast.RetryMax,
	})
	if err := a.digest.Apply(digest.Config{
		Enabled:  cfg.Digest.Enabled,
		Schedule: cfg.Digest.Schedule,
		TargetID: cfg.Telegram.LogChannelID,
	}); err != nil {
		a.log.Warn("digest not rescheduled", logx.Err(err))
	}
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("shutting down")

	if a.sup != nil {
		a.sup.Cancel()
	}
	_ = a.adapter.Stop(ctx)
	a.digest.Stop()

	var werr error
	if a.sup != nil {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		werr = a.sup.Wait(wctx)
		cancel()
		if werr != nil && !errors.Is(werr, context.DeadlineExceeded) && !errors.Is(werr, context.Canceled) {
			a.log.Warn("shutdown finished with error", logx.Err(werr))
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage failed", logx.Err(err))
	}
	_ = a.logs.Close()
	return nil
}
