// Package logging builds the process logger: text on a writer, the systemd journal
// when running as a service, and trace ids on every record made under a span.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
	"go.opentelemetry.io/otel/trace"
)

// Options selects the handlers.
type Options struct {
	// Writer receives text output. Nil means stderr.
	Writer io.Writer
	Level  *slog.LevelVar
	// Journal adds a journal handler. Under a systemd service the text handler is
	// dropped and the journal is used whenever it is reachable.
	Journal bool
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// New returns a logger fanning out to the selected handlers.
func New(opts Options) *slog.Logger {
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}
	if opts.Level == nil {
		opts.Level = new(slog.LevelVar)
	}

	var handlers []slog.Handler
	service := isSystemdService()

	var text slog.Handler
	if !service {
		text = slog.NewTextHandler(opts.Writer, &slog.HandlerOptions{Level: opts.Level})
		handlers = append(handlers, text)
	}

	if opts.Journal || service {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: opts.Level,
			ReplaceGroup: func(key string) string {
				return journalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = journalKey(a.Key)
				return a
			},
		})
		if err != nil {
			if text != nil {
				record := slog.NewRecord(time.Now(), slog.LevelWarn, "systemd journal unavailable", 0)
				record.Add("err", err)
				_ = text.Handle(context.Background(), record)
			}
		} else {
			handlers = append(handlers, journal)
		}
	}
	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(opts.Writer, &slog.HandlerOptions{Level: opts.Level}))
	}

	return slog.New(&Handler{Handler: slogmulti.Fanout(handlers...)})
}

// Handler adds trace and span ids from the record's context.
type Handler struct {
	slog.Handler
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{Handler: h.Handler.WithGroup(name)}
}

func journalKey(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, s)
}

func isSystemdService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) < 3 {
		return false
	}
	return strings.HasSuffix(path.Dir(parts[2]), ".service")
}
