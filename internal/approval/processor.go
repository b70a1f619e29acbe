// Package approval turns inbound join-request events into platform
// approvals, membership records, and best-effort notifications.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"approvebot/internal/membership"
	kit "approvebot/internal/transport"
	logx "approvebot/pkg/logx"
)

const defaultCallTimeout = 10 * time.Second

// Processor handles one join-request event at a time; distinct events may be
// processed concurrently on the dispatcher's worker pool. The membership
// store serializes its own mutation+persist sequence, so no extra locking is
// needed here.
type Processor struct {
	adapter kit.Adapter
	store   *membership.Store
	log     logx.Logger

	mu            sync.RWMutex
	dataChannelID int64
	logChannelID  int64

	callTimeout time.Duration
}

func New(adapter kit.Adapter, store *membership.Store, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{
		adapter:     adapter,
		store:       store,
		log:         log,
		callTimeout: defaultCallTimeout,
	}
}

// SetChannels updates the notification destinations. 0 disables a destination.
// Safe to call during config hot-reload.
func (p *Processor) SetChannels(dataChannelID, logChannelID int64) {
	p.mu.Lock()
	p.dataChannelID = dataChannelID
	p.logChannelID = logChannelID
	p.mu.Unlock()
}

func (p *Processor) channels() (dataID, logID int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dataChannelID, p.logChannelID
}

// Process runs the full pipeline for one join request:
//
//	approve -> record+persist -> notify
//
// The approval call gets exactly one attempt: a failed or stale request must
// not be retried, and a failure here mutates nothing. Everything after a
// successful approval is best-effort; the returned error reflects only the
// approval step.
func (p *Processor) Process(ctx context.Context, req *kit.JoinRequest) error {
	log := p.log.With(
		logx.Int64("user_id", req.UserID),
		logx.Int64("chat_id", req.ChatID),
		logx.String("chat", req.ChatTitle),
	)
	log.Info("join request received", logx.String("user", req.FullName))

	actx, cancel := context.WithTimeout(ctx, p.callTimeout)
	err := p.adapter.ApproveJoinRequest(actx, req.ChatID, req.UserID)
	cancel()
	if err != nil {
		log.Error("failed to approve join request", logx.Err(err))
		return fmt.Errorf("approve join request: %w", err)
	}

	changed := p.store.RecordApproval(req.ChatID, req.ChatTitle, req.UserID)
	if !changed {
		log.Debug("user already recorded for channel")
	}

	// Persist regardless of changed: see Store.RecordApproval. The user is
	// already approved on the platform, so a persist failure cannot roll the
	// approval back; it is logged for operator visibility and swallowed.
	pctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	if err := p.store.Persist(pctx); err != nil {
		log.Error("membership persist failed after approval", logx.Err(err))
	}
	cancel()

	p.notify(ctx, req, log)
	return nil
}

// notify fans out the welcome DM, the database-channel entry, and the
// admin-log line. Each send is independently best-effort with its own
// timeout; a failure never affects the others or the approval itself.
func (p *Processor) notify(ctx context.Context, req *kit.JoinRequest, log logx.Logger) {
	dataID, logID := p.channels()

	p.send(ctx, kit.ChatTarget{ChatID: req.UserID}, welcomeText(req, p.store.Promotion()), func(err error) {
		// Common: the bot cannot DM a user who has never started it.
		log.Warn("could not send welcome message", logx.Err(err))
	})

	if dataID != 0 {
		p.send(ctx, kit.ChatTarget{ChatID: dataID}, dataLogText(req), func(err error) {
			log.Error("failed to send approval log to data channel", logx.Err(err))
		})
	}

	if logID != 0 {
		p.send(ctx, kit.ChatTarget{ChatID: logID}, adminLogText(req), func(err error) {
			log.Error("failed to send approval log to log channel", logx.Err(err))
		})
	}
}

func (p *Processor) send(ctx context.Context, to kit.ChatTarget, text string, onErr func(error)) {
	sctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	if _, err := p.adapter.SendText(sctx, to, text, nil); err != nil {
		onErr(err)
	}
}
