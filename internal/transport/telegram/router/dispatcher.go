// Package router dispatches inbound Telegram updates: slash commands go to
// registered handlers behind an admin gate, join requests go to the approval
// pipeline. Both run on a bounded worker pool so one slow update never blocks
// the poll loop or other in-flight updates.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	kit "approvebot/internal/transport"
	logx "approvebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string // without the leading slash
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// ArgText is the argument tokens re-joined with single spaces, matching
	// how /promotion and /broadcast treat their free-text argument.
	ArgText string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
	Admins  []int64
}

// JoinHandler consumes one join-request event. Errors are already logged by
// the pipeline; the dispatcher ignores the return value.
type JoinHandler func(ctx context.Context, req *kit.JoinRequest) error

const (
	replyUnauthorized   = "You are not authorized to use this command."
	replyUnknownCommand = "Unknown command."
	replyBusy           = "busy, try again"
)

type Dispatcher struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	admins []int64

	onJoin JoinHandler

	log     logx.Logger
	adapter kit.Adapter

	jobs chan func()
}

func NewDispatcher(log logx.Logger, adapter kit.Adapter, admins []int64) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cmds:    map[string]Command{},
		admins:  append([]int64(nil), admins...),
		log:     log,
		adapter: adapter,
		jobs:    make(chan func(), 256),
	}
}

func (d *Dispatcher) Register(cmds ...Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Name), "/")
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		d.cmds[name] = c
	}
}

// SetAdmins updates the admin allow-list. Safe to call during hot-reload.
func (d *Dispatcher) SetAdmins(admins []int64) {
	cp := append([]int64(nil), admins...)
	d.mu.Lock()
	d.admins = cp
	d.mu.Unlock()
}

func (d *Dispatcher) adminsSnapshot() []int64 {
	d.mu.RLock()
	cp := append([]int64(nil), d.admins...)
	d.mu.RUnlock()
	return cp
}

// OnJoinRequest installs the join-request consumer.
func (d *Dispatcher) OnJoinRequest(fn JoinHandler) {
	d.mu.Lock()
	d.onJoin = fn
	d.mu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (d *Dispatcher) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case d.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done. Work runs on a bounded
// worker pool; join requests for different users may therefore be processed
// concurrently, which the approval pipeline is built for.
func (d *Dispatcher) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	d.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(d.jobs)))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-d.jobs:
					if !ok {
						return
					}
					if job == nil {
						continue
					}
					// Defensive: handlers are wrapped in MWPanicRecover, but
					// keep workers alive if a job itself panics.
					func() {
						defer func() {
							if r := recover(); r != nil {
								d.log.Error("panic in dispatcher job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}()
	}

	defer func() {
		wg.Wait()
		d.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				d.log.Info("dispatcher stopped (updates channel closed)")
				return nil
			}
			d.route(ctx, up)
		}
	}
}

func (d *Dispatcher) route(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		d.routeMessage(root, up)
	case kit.UpdateJoinRequest:
		d.routeJoinRequest(root, up)
	}
}

func (d *Dispatcher) routeJoinRequest(root context.Context, up kit.Update) {
	if up.JoinRequest == nil {
		return
	}
	d.mu.RLock()
	fn := d.onJoin
	d.mu.RUnlock()
	if fn == nil {
		return
	}

	req := up.JoinRequest
	if !d.tryEnqueue(func() { _ = fn(root, req) }) {
		// Dropping a join request means the user stays pending until they
		// retry; log loudly.
		d.log.Error("join request dropped (job queue full)",
			logx.Int64("user_id", req.UserID), logx.Int64("chat_id", req.ChatID))
	}
}

func (d *Dispatcher) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	d.mu.RLock()
	cmd, found := d.cmds[word]
	d.mu.RUnlock()

	chat := kit.ChatTarget{ChatID: msg.ChatID}
	if !found {
		_, _ = d.adapter.SendText(root, chat, replyUnknownCommand, nil)
		return
	}

	admins := d.adminsSnapshot()
	if cmd.Access == AccessAdminOnly && !isAdmin(msg.FromID, admins) {
		_, _ = d.adapter.SendText(root, chat, replyUnauthorized, nil)
		return
	}

	rid := newReqID()
	reqLog := d.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name),
	)

	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ArgText: strings.Join(args, " "),
		ReqID:   rid,
		Adapter: d.adapter,
		Logger:  reqLog,
		Admins:  admins,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(d.log),
		MWRequestLog(d.log),
		MWTimeout(cmd.Timeout),
	)

	if !d.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = d.adapter.SendText(root, req.Chat, replyBusy, nil)
	}
}

func isAdmin(id int64, admins []int64) bool {
	for _, a := range admins {
		if a == id {
			return true
		}
	}
	return false
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
