// Package logx configures tgrelay's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - Optional Telegram forwarding (min-level + rate limiting) through a Forwarder,
//     which in the daemon is the notification buffer itself
package logx
