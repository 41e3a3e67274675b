package dispatch

import (
	"sort"
	"strings"
)

// Parsed is the command reading of a message body.
type Parsed struct {
	IsCommand bool
	Prefix    string
	Command   string
	Args      []string
	// Text is the raw remainder after the command token.
	Text string
}

// Parse classifies body. The longest matching prefix wins. Owners may also
// skip the prefix, but only for an alias known reports true for.
func Parse(body string, prefixes []string, isOwner bool, known func(alias string) bool) Parsed {
	body = strings.TrimSpace(body)
	if body == "" {
		return Parsed{}
	}

	sorted := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p != "" {
			sorted = append(sorted, p)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	for _, p := range sorted {
		if rest, ok := strings.CutPrefix(body, p); ok {
			cmd, text := splitHead(rest)
			if cmd == "" {
				return Parsed{}
			}
			return Parsed{IsCommand: true, Prefix: p, Command: cmd, Args: tokenize(text), Text: text}
		}
	}

	if !isOwner || len(sorted) == 0 || known == nil {
		return Parsed{}
	}
	cmd, text := splitHead(body)
	if cmd == "" || !known(cmd) {
		return Parsed{}
	}
	return Parsed{IsCommand: true, Command: cmd, Args: tokenize(text), Text: text}
}

// splitHead returns the lowercased first token (minus a Telegram "@botname"
// suffix) and the trimmed remainder.
func splitHead(s string) (cmd, rest string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t\r\n")
	if i < 0 {
		cmd = s
	} else {
		cmd, rest = s[:i], strings.TrimSpace(s[i:])
	}
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), rest
}

// tokenize splits args on whitespace, keeping quoted runs together.
//
//	a "b c" 'd e' f\ g
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out    []string
		buf    strings.Builder
		inQ    bool
		qChar  byte
		esc    bool
		quoted bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
			quoted = true
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
