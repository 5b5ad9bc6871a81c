package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/CZERTAINLY/Harvester/internal/model"
)

// LevelSuccess marks a host which was collected successfully
const LevelSuccess = slog.Level(2)

// HostKey is the attribute rendered as the [hostname] part of a log line
const HostKey = "host"

type slogKeyT struct{}

var slogKey slogKeyT

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	}
	a = append(a[:len(a):len(a)], attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// WithHost returns a context whose log records carry the hostname
func WithHost(ctx context.Context, hostname string) context.Context {
	return ContextAttrs(ctx, slog.String(HostKey, hostname))
}

// LevelName returns INFO, WARN, ERROR, SUCCESS or DEBUG
func LevelName(l slog.Level) string {
	switch {
	case l == LevelSuccess:
		return model.LevelSuccess
	case l >= slog.LevelError:
		return model.LevelError
	case l >= slog.LevelWarn:
		return model.LevelWarn
	case l >= slog.LevelInfo:
		return model.LevelInfo
	}
	return "DEBUG"
}

// New returns a logger writing JSON to stderr and, when sink is not nil,
// plain lines to the log file
func New(verbose bool, sink Sink) *slog.Logger {
	return NewWithWriter(os.Stderr, verbose, sink)
}

func NewWithWriter(w io.Writer, verbose bool, sink Sink) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   false,
		Level:       level,
		ReplaceAttr: replaceLevel,
	})
	var handler slog.Handler = base
	if sink != nil {
		handler = FanOut(base, NewLineHandler(sink))
	}
	return slog.New(NewContextHandler(handler))
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok && l == LevelSuccess {
			a.Value = slog.StringValue(model.LevelSuccess)
		}
	}
	return a
}

// Sink receives the formatted log file entries, see store.Writer
type Sink interface {
	AppendLog(model.LogEntry) error
}

// LineHandler formats records as log file lines. The host attribute goes
// into the [hostname] part, other attributes follow the message as key=value.
// Debug records are dropped.
type LineHandler struct {
	sink   Sink
	attrs  []slog.Attr
	prefix string
}

func NewLineHandler(sink Sink) *LineHandler {
	return &LineHandler{sink: sink}
}

func (h *LineHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= slog.LevelInfo
}

func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	var host string
	var sb strings.Builder
	sb.WriteString(r.Message)

	add := func(prefix string, a slog.Attr) {
		if prefix == "" && a.Key == HostKey {
			host = a.Value.String()
			return
		}
		appendAttr(&sb, prefix, a)
	}
	for _, a := range h.attrs {
		add("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(h.prefix, a)
		return true
	})

	return h.sink.AppendLog(model.LogEntry{
		Time:    r.Time,
		Level:   LevelName(r.Level),
		Host:    host,
		Message: sb.String(),
	})
}

func appendAttr(sb *strings.Builder, prefix string, a slog.Attr) {
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
			appendAttr(sb, p, ga)
		}
		return
	}
	v := a.Value.String()
	if strings.ContainsAny(v, " \t\n\"=") {
		v = fmt.Sprintf("%q", v)
	}
	sb.WriteString(" ")
	sb.WriteString(prefix)
	sb.WriteString(a.Key)
	sb.WriteString("=")
	sb.WriteString(v)
}

func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	n.attrs = append(n.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		n.attrs = append(n.attrs, a)
	}
	return &n
}

func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := *h
	n.prefix = h.prefix + name + "."
	return &n
}

type fanOut []slog.Handler

// FanOut sends every record to all handlers which are enabled for it
func FanOut(handlers ...slog.Handler) slog.Handler {
	return fanOut(handlers)
}

func (f fanOut) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanOut) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanOut) WithAttrs(attrs []slog.Attr) slog.Handler {
	ret := make(fanOut, len(f))
	for i, h := range f {
		ret[i] = h.WithAttrs(attrs)
	}
	return ret
}

func (f fanOut) WithGroup(name string) slog.Handler {
	ret := make(fanOut, len(f))
	for i, h := range f {
		ret[i] = h.WithGroup(name)
	}
	return ret
}
