package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "hikaribot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const sqliteAuditKeep = 10000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetSettings(ctx context.Context) (Settings, error) {
	if s == nil || s.db == nil {
		return Settings{}, ErrDisabled
	}
	return s.readSettings(ctx, s.db)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqliteStore) readSettings(ctx context.Context, q querier) (Settings, error) {
	var st Settings
	err := q.QueryRowContext(ctx, `SELECT self, group_only, private_only FROM settings WHERE id = 1`).
		Scan(&st.Self, &st.GroupOnly, &st.PrivateOnly)
	if err != nil {
		return Settings{}, err
	}
	rows, err := q.QueryContext(ctx, `SELECT plugin, enabled FROM periodic`)
	if err != nil {
		return Settings{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var on bool
		if err := rows.Scan(&name, &on); err != nil {
			return Settings{}, err
		}
		if st.Periodic == nil {
			st.Periodic = map[string]bool{}
		}
		st.Periodic[name] = on
	}
	return st, rows.Err()
}

func (s *sqliteStore) UpdateSettings(ctx context.Context, p SettingsPatch) (Settings, error) {
	if s == nil || s.db == nil {
		return Settings{}, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Settings{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.readSettings(ctx, tx)
	if err != nil {
		return Settings{}, err
	}
	next := cur.Apply(p)
	if _, err := tx.ExecContext(ctx,
		`UPDATE settings SET self = ?, group_only = ?, private_only = ? WHERE id = 1`,
		next.Self, next.GroupOnly, next.PrivateOnly,
	); err != nil {
		return Settings{}, err
	}
	for name, on := range p.Periodic {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO periodic(plugin, enabled) VALUES(?,?)
			 ON CONFLICT(plugin) DO UPDATE SET enabled = excluded.enabled`,
			name, on,
		); err != nil {
			return Settings{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Settings{}, err
	}
	return next, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, sender_id, chat_id, plugin, command, ok, err, took_ms, rid)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.SenderID, e.ChatID, e.Plugin, e.Command,
		e.OK, nullStr(e.Error), e.TookMS, nullStr(e.ReqID),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneAudit(pctx); perr != nil {
			s.log.Debug("audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, sender_id, chat_id, plugin, command, ok, COALESCE(err, ''), took_ms, COALESCE(rid, '')
		 FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		if err := rows.Scan(&at, &e.SenderID, &e.ChatID, &e.Plugin, &e.Command, &e.OK, &e.Error, &e.TookMS, &e.ReqID); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneAudit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE id <= (SELECT MAX(id) FROM audit) - ?`, sqliteAuditKeep)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
