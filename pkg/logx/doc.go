// Package logx configures govwatch's structured logging.
//
// A thin wrapper (logx.Logger) over zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
package logx
