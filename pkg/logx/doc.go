// Package logx wraps zerolog behind a small value-type Logger and a Service
// that swaps sinks when the config is reloaded.
//
// The console sink is human-readable, the file sink writes JSON lines, and an
// optional Telegram sink forwards warnings to the operator group at a bounded
// rate.
package logx
