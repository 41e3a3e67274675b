package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"hikaribot/internal/plugin"
	"hikaribot/internal/storage"
	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

const backupPrefix = "backup-"

type snapshot struct {
	TakenAt  time.Time            `json:"taken_at"`
	Settings storage.Settings     `json:"settings"`
	Audit    []storage.AuditEntry `json:"audit"`
}

func autobackupPlugin(opts Options) plugin.Factory {
	return func() plugin.Spec {
		return plugin.Spec{
			Name:        "autobackup",
			Commands:    []string{"backup"},
			Description: "Snapshot settings and the audit log to disk",
			Category:    "owner",
			Owner:       true,
			Hidden:      true,
			Wait:        plugin.Ptr("⏳ Writing backup..."),
			Handle: func(ctx context.Context, c *plugin.Call) error {
				path, size, err := writeBackup(ctx, c.Services.Store, opts)
				if err != nil {
					return err
				}
				return c.Reply(ctx, fmt.Sprintf("✅ Backup written to `%s` (%s)", path, humanize.Bytes(uint64(size))))
			},
			Periodic: &plugin.PeriodicSpec{
				Kind:     string(plugin.KindInterval),
				Interval: opts.BackupInterval,
				Enabled:  false,
				Run: func(ctx context.Context, h *plugin.Hook) error {
					path, size, err := writeBackup(ctx, h.Services.Store, opts)
					if err != nil {
						notifyOwner(ctx, h, fmt.Sprintf("❌ Auto-backup failed: %v", err))
						return err
					}
					h.Log.Info("backup written", logx.String("path", path), logx.Int64("bytes", size))
					notifyOwner(ctx, h, fmt.Sprintf("🗓️ Automated backup\nDate: %s\nFile: %s (%s)",
						opts.Now().Format("02 January 2006 03:04:05 PM"), filepath.Base(path), humanize.Bytes(uint64(size))))
					return nil
				},
			},
		}
	}
}

func notifyOwner(ctx context.Context, h *plugin.Hook, text string) {
	svc := h.Services
	if svc == nil || svc.Adapter == nil || svc.Owners == nil {
		return
	}
	owners := svc.Owners()
	if len(owners) == 0 {
		h.Log.Warn("no owner configured; backup notice not sent")
		return
	}
	if err := svc.Adapter.SendText(ctx, transport.ChatTarget{ChatID: owners[0]}, text, nil); err != nil {
		h.Log.Warn("backup notice not sent", logx.Err(err))
	}
}

// writeBackup stores a JSON snapshot and prunes all but the newest opts.BackupKeep files.
func writeBackup(ctx context.Context, st storage.Store, opts Options) (string, int64, error) {
	if st == nil {
		return "", 0, errNoStore
	}
	if strings.TrimSpace(opts.BackupDir) == "" {
		return "", 0, errors.New("backup directory not configured")
	}
	set, err := st.GetSettings(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("read settings: %w", err)
	}
	audit, err := st.RecentAudit(ctx, 1000)
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		return "", 0, fmt.Errorf("read audit: %w", err)
	}

	if err := os.MkdirAll(opts.BackupDir, 0o755); err != nil {
		return "", 0, err
	}
	now := opts.Now()
	b, err := json.MarshalIndent(snapshot{TakenAt: now, Settings: set, Audit: audit}, "", "  ")
	if err != nil {
		return "", 0, err
	}
	path := filepath.Join(opts.BackupDir, backupPrefix+now.Format("20060102-150405.000")+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", 0, err
	}
	pruneBackups(opts.BackupDir, opts.BackupKeep)
	return path, int64(len(b)), nil
}

func pruneBackups(dir string, keep int) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, n := range names[:len(names)-keep] {
		_ = os.Remove(filepath.Join(dir, n))
	}
}
