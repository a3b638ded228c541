package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"umka-embed/internal/domain"
	"umka-embed/internal/infra/config"
)

// New builds the logger described by cfg. The returned close function
// releases a log file and is a no-op for the standard streams.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closeFn, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output %q: %w", cfg.Output, err)
	}
	return slog.New(newHandler(cfg.Format, w, parseLevel(cfg.Level))), closeFn, nil
}

func newHandler(format string, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return codeHandler{slog.NewJSONHandler(w, opts)}
	}
	return codeHandler{slog.NewTextHandler(w, opts)}
}

// Discard returns a logger that drops every record. Sessions use it when
// the embedder supplies none.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ForSession scopes l to one VM session.
func ForSession(l *slog.Logger, id string) *slog.Logger {
	if l == nil {
		l = Discard()
	}
	return l.With("session", id)
}

// codeHandler adds "<key>_code" after every error attribute that belongs to
// the error taxonomy, e.g. error_code=RUNTIME_ERROR.
type codeHandler struct {
	slog.Handler
}

func (h codeHandler) Handle(ctx context.Context, r slog.Record) error {
	var codes []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if err, ok := a.Value.Any().(error); ok {
			if code := domain.ErrorCodeOf(err); code != domain.CodeUnknown {
				codes = append(codes, slog.String(a.Key+"_code", string(code)))
			}
		}
		return true
	})
	if len(codes) > 0 {
		r = r.Clone()
		r.AddAttrs(codes...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h codeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return codeHandler{h.Handler.WithAttrs(attrs)}
}

func (h codeHandler) WithGroup(name string) slog.Handler {
	return codeHandler{h.Handler.WithGroup(name)}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// openOutput resolves a configured target: stdout, stderr (the default),
// discard, or a file opened for append.
func openOutput(output string) (io.Writer, func() error, error) {
	nop := func() error { return nil }
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, nop, nil
	case "stdout":
		return os.Stdout, nop, nil
	case "discard":
		return io.Discard, nop, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
