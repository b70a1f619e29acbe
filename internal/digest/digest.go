// Package digest posts a periodic membership summary to the admin-log
// channel so operators see growth without querying the bot.
package digest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"approvebot/internal/membership"
	kit "approvebot/internal/transport"
	logx "approvebot/pkg/logx"
)

const defaultSchedule = "0 9 * * *"

type Config struct {
	Enabled  bool
	Schedule string // standard 5-field cron spec
	TargetID int64  // chat to post to; 0 disables even when Enabled
}

type Service struct {
	store   *membership.Store
	adapter kit.Adapter
	log     logx.Logger

	mu   sync.Mutex
	cfg  Config
	cron *cron.Cron
}

func New(store *membership.Store, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, adapter: adapter, log: log}
}

// Apply (re)schedules the digest job. Safe during config hot-reload.
func (s *Service) Apply(cfg Config) error {
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = defaultSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.cron = nil
	}
	s.cfg = cfg

	if !cfg.Enabled || cfg.TargetID == 0 {
		s.log.Debug("digest disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, s.post); err != nil {
		return fmt.Errorf("digest schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("digest scheduled", logx.String("spec", spec), logx.Int64("chat_id", cfg.TargetID))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		ctx := c.Stop()
		<-ctx.Done()
	}
}

func (s *Service) post() {
	s.mu.Lock()
	target := s.cfg.TargetID
	s.mu.Unlock()
	if target == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	text := s.render()
	if _, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: target}, text, nil); err != nil {
		s.log.Warn("digest send failed", logx.Int64("chat_id", target), logx.Err(err))
	}
}

func (s *Service) render() string {
	counts := s.store.ChannelCounts()

	var b strings.Builder
	b.WriteString("📊 Membership digest\n")
	fmt.Fprintf(&b, "Total stored users: %d\n", s.store.TotalUsers())
	if len(counts) == 0 {
		b.WriteString("No channels tracked yet.")
		return b.String()
	}
	for _, c := range counts {
		title := c.Title
		if title == "" {
			title = fmt.Sprintf("%d", c.ChatID)
		}
		fmt.Fprintf(&b, "%s (%d) - %d approved users\n", title, c.ChatID, c.Users)
	}
	return strings.TrimRight(b.String(), "\n")
}
