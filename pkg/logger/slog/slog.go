// Package slog adapts a log/slog handler to the logger.Logger interface, for
// applications that already route their logs through slog instead of the
// zerolog builder in the parent package.
package slog

import (
	"log/slog"
)

// SlogHandler forwards Logger calls to a slog.Logger. The msg/args convention
// is the same on both sides, so arguments pass through untouched.
type SlogHandler struct {
	logger *slog.Logger
}

// New wraps h in a Logger implementation. Level filtering stays with the
// handler; this adapter forwards everything.
func New(h slog.Handler) *SlogHandler {
	logger := slog.New(h)
	return &SlogHandler{logger: logger}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}
