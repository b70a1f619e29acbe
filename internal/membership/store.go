// Package membership tracks which users have been approved into which
// channels, plus the global promotion message shown to new members.
//
// The Store is the only shared mutable resource in the bot. Mutations are
// guarded by a single writer lock; Persist snapshots under the read lock and
// serializes backend writes separately so slow I/O never blocks in-memory
// updates.
package membership

import (
	"context"
	"sort"
	"sync"

	logx "approvebot/pkg/logx"
)

type Store struct {
	mu    sync.RWMutex
	state *State

	// persistMu serializes backend writes so concurrent Persist calls cannot
	// land an older snapshot after a newer one.
	persistMu sync.Mutex
	backend   Backend

	log logx.Logger
}

// ChannelCount is a read-only per-channel view for reporting.
type ChannelCount struct {
	ChatID int64
	Title  string
	Users  int
}

// NewStore wraps an initial state and a persistence backend.
// state may be nil for a fresh empty store.
func NewStore(state *State, backend Backend, log logx.Logger) *Store {
	if state == nil {
		state = NewState()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{state: state, backend: backend, log: log}
}

// Load reads the persisted snapshot from backend and returns a Store over it.
// A missing snapshot yields an empty store; any other load failure is
// returned to the caller (startup decides whether that is fatal).
func Load(ctx context.Context, backend Backend, log logx.Logger) (*Store, error) {
	st, err := backend.Load(ctx)
	switch {
	case err == nil:
	case err == ErrNoSnapshot:
		st = NewState()
	default:
		return nil, err
	}
	return NewStore(st, backend, log), nil
}

// RecordApproval ensures a channel record exists (created with title when
// absent; an existing title is never overwritten) and inserts userID into its
// approved set. It reports whether the user was newly inserted.
//
// The caller is expected to follow up with Persist regardless of the return
// value: persisting on a no-op re-approval is deliberate, it repairs a
// potentially stale artifact at the cost of one redundant write.
func (s *Store) RecordApproval(chatID int64, title string, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.state.Channels[chatID]
	if ch == nil {
		ch = &ChannelRecord{Title: title}
		s.state.Channels[chatID] = ch
	}
	return ch.AddUser(userID)
}

// SetPromotion replaces the global promotion message.
func (s *Store) SetPromotion(text string) {
	s.mu.Lock()
	s.state.Promotion = text
	s.mu.Unlock()
}

func (s *Store) Promotion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Promotion
}

// TotalUsers sums approved-user counts over all channels. A user approved in
// two channels counts twice.
func (s *Store) TotalUsers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, ch := range s.state.Channels {
		total += len(ch.Users)
	}
	return total
}

// ChannelCounts returns per-channel counts sorted by chat id for stable output.
func (s *Store) ChannelCounts() []ChannelCount {
	s.mu.RLock()
	out := make([]ChannelCount, 0, len(s.state.Channels))
	for id, ch := range s.state.Channels {
		out = append(out, ChannelCount{ChatID: id, Title: ch.Title, Users: len(ch.Users)})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// RecipientIDs returns the de-duplicated union of approved users across all
// channels. The result is a snapshot: approvals after the call are not
// reflected.
func (s *Store) RecipientIDs() []int64 {
	s.mu.RLock()
	seen := make(map[int64]struct{})
	out := make([]int64, 0, 64)
	for _, ch := range s.state.Channels {
		for _, uid := range ch.Users {
			if _, dup := seen[uid]; dup {
				continue
			}
			seen[uid] = struct{}{}
			out = append(out, uid)
		}
	}
	s.mu.RUnlock()
	return out
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Persist writes the current state to the backend. The state lock is held
// only while snapshotting; the backend write happens outside it.
func (s *Store) Persist(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snap := s.Snapshot()
	return s.backend.Save(ctx, snap)
}

func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
