package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *Call) error { return nil }

func TestBuildAppliesDefaults(t *testing.T) {
	d, err := Build(Spec{Name: "ping", Commands: []string{"Ping", " p ", "ping"}, Handle: noop})
	require.NoError(t, err)

	assert.Equal(t, []string{"ping", "p"}, d.Commands)
	assert.Equal(t, "ping", d.PrimaryCommand())
	assert.Equal(t, DefaultDescription, d.Description)
	assert.Equal(t, DefaultCategory, d.Category)
	assert.Equal(t, PermAll, d.Permission)
	assert.Equal(t, DefaultWait, d.Wait)
	assert.Equal(t, DefaultFailed, d.Failed)
	assert.True(t, d.React)
	assert.Zero(t, d.Cooldown)
	assert.Zero(t, d.DailyLimit)
	assert.Nil(t, d.Periodic)
}

func TestBuildKeepsExplicitValues(t *testing.T) {
	d, err := Build(Spec{
		Name:       "speedtest",
		Commands:   []string{"speedtest"},
		Handle:     noop,
		Category:   "Tools",
		Permission: "OWNER",
		Cooldown:   time.Minute,
		DailyLimit: 3,
		Wait:       Ptr(""),
		Failed:     Ptr("nope %error"),
		React:      Ptr(false),
	})
	require.NoError(t, err)

	assert.Equal(t, "tools", d.Category)
	assert.Equal(t, PermOwner, d.Permission)
	assert.True(t, d.RequiresOwner())
	assert.Equal(t, time.Minute, d.Cooldown)
	assert.Equal(t, 3, d.DailyLimit)
	assert.Empty(t, d.Wait)
	assert.Equal(t, "nope %error", d.Failed)
	assert.False(t, d.React)
}

func TestBuildPeriodicKind(t *testing.T) {
	run := func(context.Context, *Hook) error { return nil }

	d, err := Build(Spec{Name: "greet", Commands: []string{"greet"}, Handle: noop, Periodic: &PeriodicSpec{Enabled: true, Run: run}})
	require.NoError(t, err)
	require.NotNil(t, d.Periodic)
	assert.Equal(t, KindMessage, d.Periodic.Kind)

	d, err = Build(Spec{Name: "backup", Commands: []string{"backup"}, Handle: noop,
		Periodic: &PeriodicSpec{Kind: "Interval", Interval: time.Hour, Run: run}})
	require.NoError(t, err)
	assert.Equal(t, KindInterval, d.Periodic.Kind)
	assert.Equal(t, time.Hour, d.Periodic.Interval)

	on := d.withPeriodicEnabled(true)
	assert.True(t, on.Periodic.Enabled)
	assert.False(t, d.Periodic.Enabled)
}

func TestBuildRejects(t *testing.T) {
	cases := map[string]Spec{
		"no name":        {Commands: []string{"x"}, Handle: noop},
		"no handler":     {Name: "x", Commands: []string{"x"}},
		"no commands":    {Name: "x", Commands: []string{" ", ""}, Handle: noop},
		"bad permission": {Name: "x", Commands: []string{"x"}, Handle: noop, Permission: "root"},
	}
	for name, sp := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(sp)
			assert.True(t, errors.Is(err, ErrInvalidSpec), "got %v", err)
		})
	}
}

func TestRequestArgString(t *testing.T) {
	r := &Request{Args: []string{"a", "b", "c"}}
	assert.Equal(t, "a b c", r.ArgString())
}
