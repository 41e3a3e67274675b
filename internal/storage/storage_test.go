package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "hikaribot/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "bot.json")}, logx.Nop())
	require.NoError(t, err)
	out["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "bot.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	out["sqlite"] = sq

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			got, err := st.GetSettings(ctx)
			require.NoError(t, err)
			assert.Equal(t, "public", got.Mode())

			on := true
			got, err = st.UpdateSettings(ctx, SettingsPatch{Self: &on, Periodic: map[string]bool{" AutoBackup ": false}})
			require.NoError(t, err)
			assert.True(t, got.Self)
			assert.Equal(t, map[string]bool{"autobackup": false}, got.Periodic)

			got, err = st.GetSettings(ctx)
			require.NoError(t, err)
			assert.Equal(t, "self", got.Mode())
			assert.False(t, got.GroupOnly)
			enabled, ok := got.Periodic["autobackup"]
			assert.True(t, ok)
			assert.False(t, enabled)
		})
	}
}

func TestAuditNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			for i, cmd := range []string{"ping", "menu", "status"} {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					SenderID: 7, ChatID: 9, Plugin: cmd, Command: cmd, OK: i != 1,
				}))
			}
			got, err := st.RecentAudit(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "status", got[0].Command)
			assert.Equal(t, "menu", got[1].Command)
			assert.False(t, got[1].OK)
			assert.False(t, got[0].At.IsZero())
		})
	}
}

func TestFileSettingsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bot.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	on := true
	_, err = st.UpdateSettings(ctx, SettingsPatch{GroupOnly: &on})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, got.GroupOnly)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)

	st, err := Open(Config{}, logx.Logger{})
	require.NoError(t, err)
	assert.NotNil(t, st)
}

func TestApplyDoesNotAliasPeriodic(t *testing.T) {
	base := Settings{Periodic: map[string]bool{"a": true}}
	next := base.Apply(SettingsPatch{Periodic: map[string]bool{"b": false}})
	next.Periodic["a"] = false
	assert.True(t, base.Periodic["a"])
}
