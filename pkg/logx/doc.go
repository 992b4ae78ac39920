// Package logx configures valmon's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - Per-job session files JSON-structured
//   - Levels hot-swappable at runtime (daemon config reload)
package logx
