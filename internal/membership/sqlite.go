package membership

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	logx "approvebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteBackend stores full-state snapshots in a SQLite file. Save replaces
// the whole snapshot in one transaction so its semantics match the file
// backend exactly.
type sqliteBackend struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	b := &sqliteBackend{db: db, log: log}
	if err := b.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqliteBackend) migrate(ctx context.Context) error {
	sqlBytes, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, string(sqlBytes))
	return err
}

func (b *sqliteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *sqliteBackend) Save(ctx context.Context, s *State) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_users`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels`); err != nil {
		return err
	}
	for chatID, ch := range s.Channels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channels(chat_id, title) VALUES(?,?)`, chatID, ch.Title); err != nil {
			return err
		}
		for i, uid := range ch.Users {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO channel_users(chat_id, user_id, seq) VALUES(?,?,?)`, chatID, uid, i); err != nil {
				return err
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('promotion', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, s.Promotion); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *sqliteBackend) Load(ctx context.Context) (*State, error) {
	st := NewState()

	rows, err := b.db.QueryContext(ctx, `SELECT chat_id, title FROM channels`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var title string
		if err := rows.Scan(&id, &title); err != nil {
			_ = rows.Close()
			return nil, err
		}
		st.Channels[id] = &ChannelRecord{Title: title}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	type userRow struct {
		chatID int64
		userID int64
		seq    int
	}
	var users []userRow
	rows, err = b.db.QueryContext(ctx, `SELECT chat_id, user_id, seq FROM channel_users`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r userRow
		if err := rows.Scan(&r.chatID, &r.userID, &r.seq); err != nil {
			_ = rows.Close()
			return nil, err
		}
		users = append(users, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Restore insertion order so file and sqlite backends round-trip the same.
	sort.Slice(users, func(i, j int) bool {
		if users[i].chatID != users[j].chatID {
			return users[i].chatID < users[j].chatID
		}
		return users[i].seq < users[j].seq
	})
	for _, r := range users {
		ch := st.Channels[r.chatID]
		if ch == nil {
			ch = &ChannelRecord{}
			st.Channels[r.chatID] = ch
		}
		ch.AddUser(r.userID)
	}

	var promo string
	err = b.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'promotion'`).Scan(&promo)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if len(st.Channels) == 0 {
			return nil, ErrNoSnapshot
		}
	case err != nil:
		return nil, err
	default:
		st.Promotion = promo
	}
	return st, nil
}
