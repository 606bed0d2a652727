// Package logx configures the bot's structured logging.
//
// It wraps zerolog in a small value type (logx.Logger) so that:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - Levels and sinks can be swapped at runtime on config reload
package logx
