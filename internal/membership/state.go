package membership

import (
	"encoding/json"
	"strconv"
)

// ChannelRecord tracks one channel/group and the users approved into it.
//
// Users is an insertion-ordered set: AddUser enforces uniqueness, the slice
// keeps the persisted artifact stable across save/load cycles.
type ChannelRecord struct {
	Title string
	Users []int64
}

// HasUser reports whether id is already recorded for this channel.
func (c *ChannelRecord) HasUser(id int64) bool {
	for _, u := range c.Users {
		if u == id {
			return true
		}
	}
	return false
}

// AddUser inserts id if absent and reports whether it was added.
func (c *ChannelRecord) AddUser(id int64) bool {
	if c.HasUser(id) {
		return false
	}
	c.Users = append(c.Users, id)
	return true
}

// State is the full persisted membership state: per-channel approved users
// plus the global promotion message.
type State struct {
	Channels  map[int64]*ChannelRecord
	Promotion string
}

func NewState() *State {
	return &State{Channels: map[int64]*ChannelRecord{}}
}

// Clone returns a deep copy, used to snapshot state for persistence without
// holding the store lock during I/O.
func (s *State) Clone() *State {
	cp := &State{
		Channels:  make(map[int64]*ChannelRecord, len(s.Channels)),
		Promotion: s.Promotion,
	}
	for id, ch := range s.Channels {
		cp.Channels[id] = &ChannelRecord{
			Title: ch.Title,
			Users: append([]int64(nil), ch.Users...),
		}
	}
	return cp
}

// ---- wire format ----
//
// The artifact schema is fixed:
//
//	{"channels": {"<chat_id>": {"title": "...", "users": [1,2]}}, "promotion": "..."}
//
// Channel ids are JSON object keys and therefore strings on the wire.

type wireChannel struct {
	Title string  `json:"title"`
	Users []int64 `json:"users"`
}

type wireState struct {
	Channels  map[string]wireChannel `json:"channels"`
	Promotion string                 `json:"promotion"`
}

func (s *State) MarshalJSON() ([]byte, error) {
	w := wireState{
		Channels:  make(map[string]wireChannel, len(s.Channels)),
		Promotion: s.Promotion,
	}
	for id, ch := range s.Channels {
		users := ch.Users
		if users == nil {
			users = []int64{}
		}
		w.Channels[strconv.FormatInt(id, 10)] = wireChannel{Title: ch.Title, Users: users}
	}
	return json.Marshal(w)
}

func (s *State) UnmarshalJSON(b []byte) error {
	var w wireState
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	s.Channels = make(map[int64]*ChannelRecord, len(w.Channels))
	s.Promotion = w.Promotion
	for key, ch := range w.Channels {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return err
		}
		rec := &ChannelRecord{Title: ch.Title}
		for _, u := range ch.Users {
			rec.AddUser(u)
		}
		s.Channels[id] = rec
	}
	return nil
}
