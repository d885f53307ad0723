// Package logx configures airwave's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional chat sink for operator alerts (min-level + rate limiting)
//
// Components derive loggers with With(logx.String("comp", ...)) and stations
// add logx.String("station", name) so every line can be traced to its feed.
package logx
