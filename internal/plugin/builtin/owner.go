package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"hikaribot/internal/plugin"
	"hikaribot/internal/storage"
)

var errNoStore = errors.New("settings storage unavailable")

func modePlugin() plugin.Spec {
	return plugin.Spec{
		Name:        "mode",
		Commands:    []string{"mode"},
		Description: "Set bot operation mode: self / group / private / public",
		Category:    "owner",
		Permission:  plugin.PermOwner,
		Owner:       true,
		Wait:        plugin.Ptr(""),
		Failed:      plugin.Ptr("Failed to execute %command: %error"),
		Usage:       "$prefix$command [self|group|private|public]",
		Handle: func(ctx context.Context, c *plugin.Call) error {
			st := c.Services.Store
			if st == nil {
				return errNoStore
			}
			mode := ""
			if len(c.Args) > 0 {
				mode = strings.ToLower(c.Args[0])
			}
			patch, ok := modePatch(mode)
			if !ok {
				cur, err := st.GetSettings(ctx)
				if err != nil {
					return err
				}
				return c.Reply(ctx, fmt.Sprintf(
					"Current Bot Mode: *%s*\n- Self: %t\n- Group Only: %t\n- Private Only: %t\n\nUsage:\n%s\n\nExample:\n%s%s group",
					cur.Mode(), cur.Self, cur.GroupOnly, cur.PrivateOnly, usageLine(c), c.Prefix, c.Command,
				))
			}
			if _, err := st.UpdateSettings(ctx, patch); err != nil {
				return err
			}
			return c.Reply(ctx, fmt.Sprintf("✅ Bot mode has been updated to *%s*.", mode))
		},
	}
}

// modePatch sets exactly one flag, or none for public.
func modePatch(mode string) (storage.SettingsPatch, bool) {
	self, group, private := false, false, false
	switch mode {
	case "self":
		self = true
	case "group":
		group = true
	case "private":
		private = true
	case "public":
	default:
		return storage.SettingsPatch{}, false
	}
	return storage.SettingsPatch{Self: &self, GroupOnly: &group, PrivateOnly: &private}, true
}

func settingPlugin() plugin.Spec {
	return plugin.Spec{
		Name:        "setting",
		Commands:    []string{"setting", "settings"},
		Description: "Enable/disable periodic bot features.",
		Category:    "owner",
		Owner:       true,
		Hidden:      true,
		Wait:        plugin.Ptr(""),
		Usage:       "$prefix$command <feature> <on|off>",
		Handle: func(ctx context.Context, c *plugin.Call) error {
			st := c.Services.Store
			if st == nil {
				return errNoStore
			}
			features := map[string]bool{}
			for _, d := range c.Index.All() {
				if d.Periodic != nil {
					features[strings.ToLower(d.Name)] = d.Periodic.Enabled
				}
			}

			var feature, value string
			if len(c.Args) > 0 {
				feature = strings.ToLower(c.Args[0])
			}
			if len(c.Args) > 1 {
				value = strings.ToLower(c.Args[1])
			}
			_, known := features[feature]
			if !known || (value != "on" && value != "off") {
				return c.Reply(ctx, featureHelp(c, features))
			}

			if _, err := st.UpdateSettings(ctx, storage.SettingsPatch{Periodic: map[string]bool{feature: value == "on"}}); err != nil {
				return err
			}
			// The registry reads periodic flags at load time.
			if c.Services.Control != nil {
				if err := c.Services.Control.Reload(ctx); err != nil {
					return fmt.Errorf("saved, but reload failed: %w", err)
				}
			}
			return c.Reply(ctx, fmt.Sprintf("Feature *%s* is now *%s*", feature, strings.ToUpper(value)))
		},
	}
}

func featureHelp(c *plugin.Call, features map[string]bool) string {
	names := make([]string, 0, len(features))
	for n := range features {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("*Bot Feature Settings*\n\n")
	for _, n := range names {
		state := "OFF"
		if features[n] {
			state = "ON"
		}
		fmt.Fprintf(&b, "- *%s*: %s\n", n, state)
	}
	fmt.Fprintf(&b, "\nUsage: %s\n", usageLine(c))
	fmt.Fprintf(&b, "Example: %s%s autobackup off", c.Prefix, c.Command)
	return b.String()
}

func queuePlugin() plugin.Spec {
	return plugin.Spec{
		Name:        "queue",
		Commands:    []string{"queue", "q-status"},
		Description: "Show pending commands per sender and scheduled tasks",
		Category:    "owner",
		Owner:       true,
		Wait:        plugin.Ptr(""),
		React:       plugin.Ptr(false),
		Handle: func(ctx context.Context, c *plugin.Call) error {
			ctl := c.Services.Control
			if ctl == nil {
				return errors.New("engine control unavailable")
			}
			lens := ctl.QueueLengths()
			keys := make([]string, 0, len(lens))
			for k := range lens {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			var b strings.Builder
			b.WriteString("*Queues*\n")
			if len(keys) == 0 {
				b.WriteString("No pending commands.\n")
			}
			for _, k := range keys {
				fmt.Fprintf(&b, "• %s: %d\n", k, lens[k])
			}
			b.WriteString("\n*Scheduled tasks*\n")
			tasks := ctl.ScheduledTasks()
			if len(tasks) == 0 {
				b.WriteString("None.")
			}
			for _, t := range tasks {
				fmt.Fprintf(&b, "• %s\n", t)
			}
			return c.Reply(ctx, strings.TrimRight(b.String(), "\n"))
		},
	}
}

func reloadPlugin() plugin.Spec {
	return plugin.Spec{
		Name:        "reload",
		Commands:    []string{"reload"},
		Description: "Reload plugins and restart scheduled tasks",
		Category:    "owner",
		Owner:       true,
		Wait:        plugin.Ptr("♻️ Reloading plugins..."),
		Handle: func(ctx context.Context, c *plugin.Call) error {
			ctl := c.Services.Control
			if ctl == nil {
				return errors.New("engine control unavailable")
			}
			if err := ctl.Reload(ctx); err != nil {
				return err
			}
			return c.Reply(ctx, fmt.Sprintf("✅ Plugins reloaded. %d scheduled task(s) running.", len(ctl.ScheduledTasks())))
		},
	}
}
