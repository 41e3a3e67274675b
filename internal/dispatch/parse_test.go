package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	known := func(a string) bool { return a == "ping" || a == "menu" }
	prefixes := []string{"!", ".", "!!"}

	cases := []struct {
		name    string
		body    string
		owner   bool
		want    Parsed
		command bool
	}{
		{name: "prefixed", body: "!Ping 1.1.1.1  fast", want: Parsed{IsCommand: true, Prefix: "!", Command: "ping", Args: []string{"1.1.1.1", "fast"}, Text: "1.1.1.1  fast"}},
		{name: "longest prefix", body: "!!menu", want: Parsed{IsCommand: true, Prefix: "!!", Command: "menu"}},
		{name: "bot mention", body: ".ping@hikari_bot", want: Parsed{IsCommand: true, Prefix: ".", Command: "ping"}},
		{name: "quoted args", body: `!say "hello world" x`, want: Parsed{IsCommand: true, Prefix: "!", Command: "say", Args: []string{"hello world", "x"}, Text: `"hello world" x`}},
		{name: "prefix only", body: "!  ", want: Parsed{}},
		{name: "plain text", body: "ping", want: Parsed{}},
		{name: "owner bare alias", body: "PING now", owner: true, want: Parsed{IsCommand: true, Command: "ping", Args: []string{"now"}, Text: "now"}},
		{name: "owner unknown word", body: "hello there", owner: true, want: Parsed{}},
		{name: "empty", body: "", want: Parsed{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Parse(tc.body, prefixes, tc.owner, known))
		})
	}
}

func TestParseOwnerNeedsConfiguredPrefixes(t *testing.T) {
	got := Parse("ping", nil, true, func(string) bool { return true })
	assert.False(t, got.IsCommand)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"a", "b c", "d e", "f g", ""}, tokenize(`a "b c" 'd e' f\ g ""`))
	assert.Nil(t, tokenize("   "))
}
