// Package broadcast sends one message to every tracked user, tolerating
// partial failure. Sends run on a bounded worker pool behind a shared rate
// limiter so one slow or unreachable recipient cannot stall the rest, and the
// pool size keeps the bot inside platform rate limits.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	kit "approvebot/internal/transport"
	logx "approvebot/pkg/logx"
)

type Config struct {
	Workers    int
	RatePerSec int
	RetryMax   int
}

// Report tallies one broadcast run. Sent+Failed always equals the number of
// recipients handed to Run.
type Report struct {
	Sent     int
	Failed   int
	Duration time.Duration
}

type Engine struct {
	adapter kit.Adapter
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{adapter: adapter, log: log}
	e.Apply(cfg)
	return e
}

// Apply swaps the pool/limiter settings. Safe during config hot-reload;
// an in-flight Run keeps the settings it started with.
func (e *Engine) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	e.mu.Unlock()
}

func (e *Engine) snapshot() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}

// Run sends text to every recipient and blocks until all attempts finish
// (or ctx is canceled, in which case the remaining recipients count as
// failed). Recipients is a snapshot: users approved while the broadcast is
// running are not included.
func (e *Engine) Run(ctx context.Context, text string, recipients []int64) Report {
	start := time.Now()
	cfg, lim := e.snapshot()

	total := len(recipients)
	if total == 0 {
		return Report{}
	}

	workers := cfg.Workers
	if workers > total {
		workers = total
	}

	e.log.Info("broadcast started", logx.Int("recipients", total), logx.Int("workers", workers), logx.Int("rps", cfg.RatePerSec))

	jobs := make(chan int64)
	var sent, failed atomic.Int64

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for uid := range jobs {
				if err := e.sendOne(ctx, lim, cfg.RetryMax, uid, text); err != nil {
					e.log.Warn("broadcast send failed", logx.Int64("user_id", uid), logx.Err(err))
					failed.Add(1)
				} else {
					sent.Add(1)
				}
			}
		}()
	}

	for _, uid := range recipients {
		jobs <- uid
	}
	close(jobs)
	wg.Wait()

	rep := Report{
		Sent:     int(sent.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	if rep.Failed > 0 {
		e.log.Warn("broadcast finished with failures", logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed), logx.Duration("dur", rep.Duration))
	} else {
		e.log.Info("broadcast finished", logx.Int("sent", rep.Sent), logx.Duration("dur", rep.Duration))
	}
	return rep
}

func (e *Engine) sendOne(ctx context.Context, lim *rate.Limiter, retryMax int, uid int64, text string) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	var last error
	for i := 0; i <= retryMax; i++ {
		_, err := e.adapter.SendText(ctx, kit.ChatTarget{ChatID: uid}, text, nil)
		if err == nil {
			return nil
		}
		last = err
		if i == retryMax || ctx.Err() != nil {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return last
}
