package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"approvebot/internal/membership"
	kit "approvebot/internal/transport"
	logx "approvebot/pkg/logx"
)

type sentMsg struct {
	ChatID int64
	Text   string
}

// fakeAdapter records outbound calls and can be told to fail specific ones.
type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sentMsg
	approved []kit.JoinRequest

	approveErr error
	sendErr    map[int64]error // per-destination send failure
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	f.sent = append(f.sent, sentMsg{ChatID: to.ChatID, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	f.approved = append(f.approved, kit.JoinRequest{ChatID: chatID, UserID: userID})
	return nil
}

func (f *fakeAdapter) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeAdapter) approvals() []kit.JoinRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.JoinRequest(nil), f.approved...)
}

func messagesTo(msgs []sentMsg, chatID int64) []string {
	var out []string
	for _, m := range msgs {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func demoRequest() *kit.JoinRequest {
	return &kit.JoinRequest{
		ChatID:    -100555,
		ChatTitle: "Demo Group",
		UserID:    42,
		FirstName: "Alice",
		FullName:  "Alice Smith",
		Username:  "alice",
	}
}

func TestProcessApprovesRecordsAndNotifies(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	store := membership.NewStore(nil, nil, logx.Nop())
	store.SetPromotion("Join our VIP!")

	p := New(fa, store, logx.Nop())
	p.SetChannels(-200, -300)

	if err := p.Process(context.Background(), demoRequest()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	apps := fa.approvals()
	if len(apps) != 1 || apps[0].ChatID != -100555 || apps[0].UserID != 42 {
		t.Fatalf("approvals = %+v", apps)
	}

	counts := store.ChannelCounts()
	if len(counts) != 1 || counts[0].ChatID != -100555 || counts[0].Users != 1 || counts[0].Title != "Demo Group" {
		t.Fatalf("store after approval: %+v", counts)
	}

	msgs := fa.messages()

	welcome := messagesTo(msgs, 42)
	if len(welcome) != 1 {
		t.Fatalf("welcome messages = %v", welcome)
	}
	if !strings.Contains(welcome[0], "Welcome, Alice!") {
		t.Errorf("welcome text missing greeting: %q", welcome[0])
	}
	if !strings.Contains(welcome[0], "Demo Group") {
		t.Errorf("welcome text missing chat title: %q", welcome[0])
	}
	if !strings.Contains(welcome[0], "Join our VIP!") {
		t.Errorf("welcome text missing promotion: %q", welcome[0])
	}

	dataLogs := messagesTo(msgs, -200)
	if len(dataLogs) != 1 {
		t.Fatalf("data-channel messages = %v", dataLogs)
	}
	for _, want := range []string{"Alice Smith", "42", "@alice", "Demo Group", "-100555"} {
		if !strings.Contains(dataLogs[0], want) {
			t.Errorf("data-channel entry missing %q:\n%s", want, dataLogs[0])
		}
	}

	adminLogs := messagesTo(msgs, -300)
	if len(adminLogs) != 1 || !strings.Contains(adminLogs[0], "Auto-approved Alice Smith (42) in Demo Group") {
		t.Fatalf("log-channel messages = %v", adminLogs)
	}
}

func TestProcessApprovalFailureMutatesNothing(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{approveErr: errors.New("request is stale")}
	store := membership.NewStore(nil, nil, logx.Nop())

	p := New(fa, store, logx.Nop())
	p.SetChannels(-200, -300)

	if err := p.Process(context.Background(), demoRequest()); err == nil {
		t.Fatal("Process must surface the approval failure")
	}

	if got := store.TotalUsers(); got != 0 {
		t.Errorf("store mutated after failed approval: %d users", got)
	}
	if msgs := fa.messages(); len(msgs) != 0 {
		t.Errorf("notifications sent after failed approval: %+v", msgs)
	}
}

func TestProcessWelcomeFailureDoesNotBlockChannelLogs(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{sendErr: map[int64]error{42: errors.New("bot blocked by user")}}
	store := membership.NewStore(nil, nil, logx.Nop())

	p := New(fa, store, logx.Nop())
	p.SetChannels(-200, -300)

	if err := p.Process(context.Background(), demoRequest()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	msgs := fa.messages()
	if len(messagesTo(msgs, -200)) != 1 || len(messagesTo(msgs, -300)) != 1 {
		t.Fatalf("channel logs missing after welcome failure: %+v", msgs)
	}
}

func TestProcessWithChannelsDisabled(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	store := membership.NewStore(nil, nil, logx.Nop())

	p := New(fa, store, logx.Nop())

	if err := p.Process(context.Background(), demoRequest()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	msgs := fa.messages()
	if len(msgs) != 1 || msgs[0].ChatID != 42 {
		t.Fatalf("with channels disabled only the welcome DM should go out, got %+v", msgs)
	}
}

type failingBackend struct{ err error }

func (b failingBackend) Save(context.Context, *membership.State) error { return b.err }
func (b failingBackend) Load(context.Context) (*membership.State, error) {
	return nil, membership.ErrNoSnapshot
}
func (b failingBackend) Close() error { return nil }

func TestProcessPersistFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	store := membership.NewStore(nil, failingBackend{err: errors.New("disk full")}, logx.Nop())

	p := New(fa, store, logx.Nop())

	if err := p.Process(context.Background(), demoRequest()); err != nil {
		t.Fatalf("persist failure must not fail the pipeline: %v", err)
	}
	if got := store.TotalUsers(); got != 1 {
		t.Fatalf("in-memory state lost: %d users", got)
	}
}

func TestProcessReapprovalIsIdempotent(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	store := membership.NewStore(nil, nil, logx.Nop())

	p := New(fa, store, logx.Nop())

	for i := 0; i < 2; i++ {
		if err := p.Process(context.Background(), demoRequest()); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}
	if got := store.TotalUsers(); got != 1 {
		t.Fatalf("re-approval duplicated the user: %d", got)
	}
}

func TestWelcomeTextFallsBackWithoutTitle(t *testing.T) {
	t.Parallel()
	req := demoRequest()
	req.ChatTitle = ""
	got := welcomeText(req, "")
	if !strings.Contains(got, "the channel/group") {
		t.Fatalf("missing fallback title: %q", got)
	}
}

func TestDataLogTextWithoutUsername(t *testing.T) {
	t.Parallel()
	req := demoRequest()
	req.Username = ""
	got := dataLogText(req)
	if !strings.Contains(got, "Username: None") {
		t.Fatalf("missing None placeholder: %q", got)
	}
}
