package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "hikaribot/pkg/logx"
)

// fileStore keeps settings and the audit log on disk.
//
// Files:
//   - <prefix>.settings.json (snapshot, replaced atomically)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	settingsPath string
	settings     Settings

	auditPath string
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		settingsPath: prefix + ".settings.json",
		auditPath:    prefix + ".audit.jsonl",
	}
	if err := loadSettingsSnapshot(s.settingsPath, &s.settings); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("settings snapshot unreadable; using defaults", logx.String("path", s.settingsPath), logx.Err(err))
	}

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) GetSettings(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Apply(SettingsPatch{}), nil
}

func (s *fileStore) UpdateSettings(ctx context.Context, p SettingsPatch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings.Apply(p)
	if err := writeSettingsSnapshot(s.settingsPath, next); err != nil {
		return s.settings.Apply(SettingsPatch{}), err
	}
	s.settings = next
	return next.Apply(SettingsPatch{}), nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.auditPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
		if limit > 0 && len(all) > 4*limit {
			all = append([]AuditEntry(nil), all[len(all)-limit:]...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tail(all, limit), nil
}

func loadSettingsSnapshot(path string, out *Settings) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeSettingsSnapshot(path string, st Settings) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
