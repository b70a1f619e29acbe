package membership

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	logx "approvebot/pkg/logx"
)

// fileBackend stores the whole state as one JSON artifact.
//
// Writes go to a temp file in the same directory followed by a rename, so a
// crash mid-write leaves either the old artifact or the new one, never a
// truncated mix.
type fileBackend struct {
	path string
	log  logx.Logger
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := cfg.Path
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileBackend{path: path, log: log}, nil
}

func (b *fileBackend) Save(ctx context.Context, s *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *fileBackend) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}

	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (b *fileBackend) Close() error { return nil }
