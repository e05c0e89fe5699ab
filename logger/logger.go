// Package logger is the process-wide structured logger of soramail.
//
// Messages carry an upper-case component prefix and key/value pairs:
//
//	logger.Info("DELIVERY: message sent", "owner", owner, "message_id", id)
//
// Output goes to stderr, stdout, syslog (tag "soramail", mail facility) or a
// file, formatted as text ("console") or json.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/migadu/soramail/config"
)

var (
	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]
)

func get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// ParseLevel maps a configured level name to a slog level. An empty name
// is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// SetLevel changes the level of the installed logger.
func SetLevel(name string) error {
	l, err := ParseLevel(name)
	if err != nil {
		return err
	}
	level.Set(l)
	return nil
}

// Initialize installs the logger described by cfg and returns the log file
// when output is a path. If the output cannot be opened the logger still
// falls back to stderr and the error is returned for the caller to report.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	lvl, lvlErr := ParseLevel(cfg.Level)
	level.Set(lvl)

	var (
		handler slog.Handler
		logFile *os.File
		err     error
	)
	switch output := strings.TrimSpace(cfg.Output); output {
	case "", "stderr":
		handler = textOrJSON(os.Stderr, cfg.Format)
	case "stdout":
		handler = textOrJSON(os.Stdout, cfg.Format)
	case "syslog":
		var w *syslog.Writer
		if w, err = syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "soramail"); err != nil {
			err = fmt.Errorf("syslog unavailable, logging to stderr: %w", err)
			handler = textOrJSON(os.Stderr, cfg.Format)
		} else {
			handler = &syslogHandler{w: w}
		}
	default:
		if logFile, err = os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
			err = fmt.Errorf("cannot open log file %s, logging to stderr: %w", output, err)
			logFile = nil
			handler = textOrJSON(os.Stderr, cfg.Format)
		} else {
			handler = textOrJSON(logFile, cfg.Format)
		}
	}

	l := slog.New(handler)
	current.Store(l)
	slog.SetDefault(l)

	if err == nil {
		err = lvlErr
	}
	return logFile, err
}

func textOrJSON(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// syslogHandler renders records as "msg key=value ..." lines at the
// matching syslog severity.
type syslogHandler struct {
	w      *syslog.Writer
	attrs  []slog.Attr
	prefix string // dotted group path applied to record attributes
}

func (h *syslogHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		appendAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	line := b.String()

	switch {
	case r.Level >= slog.LevelError:
		return h.w.Err(line)
	case r.Level >= slog.LevelWarn:
		return h.w.Warning(line)
	case r.Level >= slog.LevelInfo:
		return h.w.Info(line)
	default:
		return h.w.Debug(line)
	}
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, p, ga)
		}
		return
	}
	fmt.Fprintf(b, " %s%s=%v", prefix, a.Key, a.Value.Any())
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }
