// Package logx configures nightshift's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alerts sink (min-level + rate limiting) that the next-session
//     status report can tail
package logx
