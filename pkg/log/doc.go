// Package log provides structured logging for the supervisor daemon using
// zerolog: a global configurable logger (Init), component-scoped child
// loggers (WithComponent), and descriptor-scoped child loggers
// (WithProcess) that tag every line with the descriptor's name and ID so
// log lines from concurrent instances can be told apart.
//
// Output is either human-readable console text or newline-delimited JSON,
// selected by Config.JSONOutput, at a level selected by Config.Level
// (debug, info, warn, error).
package log
