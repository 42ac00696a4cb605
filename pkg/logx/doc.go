// Package logx configures genbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - the optional file sink is JSON-structured
//   - the optional admin-chat sink forwards warnings and errors to the
//     operators' log chat, rate limited so a failure storm cannot flood it
package logx
