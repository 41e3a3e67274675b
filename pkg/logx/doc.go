// Package logx configures hikaribot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional forward sink that mirrors warnings to a chat (min-level + rate limiting)
package logx
