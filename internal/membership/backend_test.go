package membership

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	logx "approvebot/pkg/logx"
)

func sampleState() *State {
	st := NewState()
	st.Promotion = "Join our VIP!"
	st.Channels[-100555] = &ChannelRecord{Title: "Demo Group", Users: []int64{1, 2, 3}}
	st.Channels[-100556] = &ChannelRecord{Title: "Second", Users: []int64{2, 3, 4}}
	st.Channels[-100557] = &ChannelRecord{Title: "", Users: []int64{}}
	return st
}

func openTestBackends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	out := map[string]Backend{}
	for _, driver := range []string{"file", "sqlite"} {
		path := filepath.Join(dir, driver+".dat")
		b, err := OpenBackend(Config{Driver: driver, Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s backend: %v", driver, err)
		}
		t.Cleanup(func() { _ = b.Close() })
		out[driver] = b
	}
	return out
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	for driver, b := range openTestBackends(t) {
		for _, tc := range []struct {
			name  string
			state *State
		}{
			{"empty", NewState()},
			{"populated", sampleState()},
		} {
			if err := b.Save(ctx, tc.state); err != nil {
				t.Fatalf("%s/%s: save: %v", driver, tc.name, err)
			}
			got, err := b.Load(ctx)
			if err != nil {
				t.Fatalf("%s/%s: load: %v", driver, tc.name, err)
			}
			if got.Promotion != tc.state.Promotion {
				t.Errorf("%s/%s: promotion = %q, want %q", driver, tc.name, got.Promotion, tc.state.Promotion)
			}
			if len(got.Channels) != len(tc.state.Channels) {
				t.Fatalf("%s/%s: %d channels, want %d", driver, tc.name, len(got.Channels), len(tc.state.Channels))
			}
			for id, want := range tc.state.Channels {
				ch := got.Channels[id]
				if ch == nil {
					t.Fatalf("%s/%s: channel %d missing after load", driver, tc.name, id)
				}
				if ch.Title != want.Title {
					t.Errorf("%s/%s: channel %d title = %q, want %q", driver, tc.name, id, ch.Title, want.Title)
				}
				if len(ch.Users) != len(want.Users) {
					t.Fatalf("%s/%s: channel %d users = %v, want %v", driver, tc.name, id, ch.Users, want.Users)
				}
				for i := range want.Users {
					if ch.Users[i] != want.Users[i] {
						t.Fatalf("%s/%s: channel %d users = %v, want %v (order must survive)", driver, tc.name, id, ch.Users, want.Users)
					}
				}
			}
		}
	}
}

func TestBackendLoadWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	for driver, b := range openTestBackends(t) {
		_, err := b.Load(ctx)
		if !errors.Is(err, ErrNoSnapshot) {
			t.Errorf("%s: Load on fresh backend = %v, want ErrNoSnapshot", driver, err)
		}
	}
}

func TestFileBackendRejectsCorruptArtifact(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := OpenBackend(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Load(context.Background()); err == nil || errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Load of corrupt artifact = %v, want a parse error", err)
	}
}

func TestFileBackendLeavesNoTempFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	b, err := OpenBackend(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Save(context.Background(), sampleState()); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "data.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("directory after save = %v, want only data.json", names)
	}
}

func TestOpenBackendUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := OpenBackend(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver must error")
	}
}

func TestStateWireFormat(t *testing.T) {
	t.Parallel()
	st := NewState()
	st.Promotion = "hi"
	st.Channels[-42] = &ChannelRecord{Title: "T", Users: []int64{7}}

	data, err := st.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}

	back := NewState()
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(st, back) {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", back, st)
	}

	// Chat ids are object keys on the wire, so they must serialize as strings.
	if want := `"-42"`; !strings.Contains(string(data), want) {
		t.Fatalf("wire form %s does not contain %s", data, want)
	}
}
