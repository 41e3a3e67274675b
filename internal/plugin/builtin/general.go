package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"hikaribot/internal/plugin"
)

func pingPlugin(now func() time.Time) plugin.Factory {
	return func() plugin.Spec {
		return plugin.Spec{
			Name:        "ping",
			Commands:    []string{"ping", "p"},
			Description: "Check whether the bot is alive",
			Category:    "general",
			Wait:        plugin.Ptr(""),
			React:       plugin.Ptr(false),
			Handle: func(ctx context.Context, c *plugin.Call) error {
				if c.Event == nil || c.Event.At.IsZero() {
					return c.Reply(ctx, "🏓 Pong!")
				}
				lat := max(now().Sub(c.Event.At), 0)
				return c.Reply(ctx, fmt.Sprintf("🏓 Pong! _%s_", lat.Round(time.Millisecond)))
			},
		}
	}
}

func menuPlugin() plugin.Spec {
	return plugin.Spec{
		Name:        "menu",
		Commands:    []string{"menu", "help"},
		Description: "List commands, or describe one",
		Category:    "general",
		Usage:       "$prefix$command [command]",
		Wait:        plugin.Ptr(""),
		Handle: func(ctx context.Context, c *plugin.Call) error {
			if len(c.Args) > 0 {
				return c.Reply(ctx, describe(c, strings.ToLower(c.Args[0])))
			}
			return c.Reply(ctx, menu(c))
		},
	}
}

func menu(c *plugin.Call) string {
	byCat := map[string][]*plugin.Descriptor{}
	for _, d := range c.Index.All() {
		if d.Hidden || (d.RequiresOwner() && !c.IsOwner) {
			continue
		}
		byCat[d.Category] = append(byCat[d.Category], d)
	}
	cats := make([]string, 0, len(byCat))
	for k := range byCat {
		cats = append(cats, k)
	}
	sort.Strings(cats)

	var b strings.Builder
	b.WriteString("*Command Menu*\n")
	for _, cat := range cats {
		ds := byCat[cat]
		sort.Slice(ds, func(i, j int) bool { return ds[i].PrimaryCommand() < ds[j].PrimaryCommand() })
		fmt.Fprintf(&b, "\n*%s*\n", strings.ToUpper(cat))
		for _, d := range ds {
			fmt.Fprintf(&b, "• %s%s: %s\n", c.Prefix, d.PrimaryCommand(), d.Description)
		}
	}
	fmt.Fprintf(&b, "\nSend %s%s <command> for details.", c.Prefix, c.Command)
	return b.String()
}

func describe(c *plugin.Call, alias string) string {
	d, ok := c.Index.Resolve(alias)
	if !ok || (d.Hidden && !c.IsOwner) {
		return fmt.Sprintf("Command *%s* not found.", alias)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n%s\n\n", d.PrimaryCommand(), d.Description)
	fmt.Fprintf(&b, "Aliases: %s\n", strings.Join(d.Commands, ", "))
	fmt.Fprintf(&b, "Category: %s\n", d.Category)
	if d.Cooldown > 0 {
		fmt.Fprintf(&b, "Cooldown: %s\n", d.Cooldown)
	}
	if d.DailyLimit > 0 {
		fmt.Fprintf(&b, "Daily limit: %d\n", d.DailyLimit)
	}
	if d.Usage != "" {
		u := strings.Replace(d.Usage, "$prefix", c.Prefix, 1)
		u = strings.Replace(u, "$command", d.PrimaryCommand(), 1)
		fmt.Fprintf(&b, "Usage: %s\n", u)
	}
	return strings.TrimRight(b.String(), "\n")
}
