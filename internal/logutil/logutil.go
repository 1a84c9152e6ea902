// Package logutil has helpers to derive loggers from a parent slog.Logger.
package logutil

import (
	"fmt"

	"github.com/decred/slog"
)

// prefixLogger prepends a fixed prefix to every logged message. Level changes
// are forwarded to the parent logger.
type prefixLogger struct {
	log    slog.Logger
	prefix string
}

func (p *prefixLogger) Tracef(format string, params ...interface{}) {
	p.log.Tracef(p.prefix+format, params...)
}

func (p *prefixLogger) Debugf(format string, params ...interface{}) {
	p.log.Debugf(p.prefix+format, params...)
}

func (p *prefixLogger) Infof(format string, params ...interface{}) {
	p.log.Infof(p.prefix+format, params...)
}

func (p *prefixLogger) Warnf(format string, params ...interface{}) {
	p.log.Warnf(p.prefix+format, params...)
}

func (p *prefixLogger) Errorf(format string, params ...interface{}) {
	p.log.Errorf(p.prefix+format, params...)
}

func (p *prefixLogger) Criticalf(format string, params ...interface{}) {
	p.log.Criticalf(p.prefix+format, params...)
}

// args folds the prefix into a single message so the parent's separator
// between args does not apply to it.
func (p *prefixLogger) args(v []interface{}) interface{} {
	return p.prefix + fmt.Sprint(v...)
}

func (p *prefixLogger) Trace(v ...interface{})    { p.log.Trace(p.args(v)) }
func (p *prefixLogger) Debug(v ...interface{})    { p.log.Debug(p.args(v)) }
func (p *prefixLogger) Info(v ...interface{})     { p.log.Info(p.args(v)) }
func (p *prefixLogger) Warn(v ...interface{})     { p.log.Warn(p.args(v)) }
func (p *prefixLogger) Error(v ...interface{})    { p.log.Error(p.args(v)) }
func (p *prefixLogger) Critical(v ...interface{}) { p.log.Critical(p.args(v)) }

func (p *prefixLogger) Level() slog.Level         { return p.log.Level() }
func (p *prefixLogger) SetLevel(level slog.Level) { p.log.SetLevel(level) }

// PrefixLogger returns a logger that prepends "prefix " to every message.
// A nil log returns slog.Disabled.
func PrefixLogger(log slog.Logger, prefix string) slog.Logger {
	if log == nil {
		return slog.Disabled
	}
	return &prefixLogger{log: log, prefix: prefix + " "}
}

// FetchLogger returns a logger that tags messages with the id of a fetch
// attempt and, optionally, the strategy running within it.
func FetchLogger(log slog.Logger, fetchID uint64, strategy string) slog.Logger {
	if strategy == "" {
		return PrefixLogger(log, fmt.Sprintf("[fetch %d]", fetchID))
	}
	return PrefixLogger(log, fmt.Sprintf("[fetch %d/%s]", fetchID, strategy))
}
