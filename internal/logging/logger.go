package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Init installs the process-wide slog default at the given level.
func Init(levelName string) {
	handler := NewTextHandler(os.Stdout, parseLevel(levelName))
	slog.SetDefault(slog.New(handler))
}

type textHandler struct {
	mu    sync.Mutex
	out   io.Writer
	level slog.Leveler
	attrs []slog.Attr
	group string
}

// NewTextHandler returns a compact single-line handler: timestamp, level,
// message, then key=value attributes.
func NewTextHandler(out io.Writer, level slog.Leveler) slog.Handler {
	if out == nil {
		out = os.Stdout
	}
	return &textHandler{out: out, level: level}
}

func (h *textHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	if h.level == nil {
		return true
	}
	return lvl >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s %-5s ", time.Now().Format("2006-01-02 15:04:05.000"), levelName(r.Level))
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, h.group, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.group, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := &textHandler{out: h.out, level: h.level, group: h.group}
	cp.attrs = append(append(cp.attrs, h.attrs...), attrs...)
	return cp
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	cp := &textHandler{out: h.out, level: h.level, attrs: h.attrs}
	if h.group != "" {
		cp.group = h.group + "." + name
	} else {
		cp.group = name
	}
	return cp
}

func writeAttr(buf *bytes.Buffer, group string, a slog.Attr) {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(buf, " %s=%v", key, a.Value.Any())
}

func levelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "DEBUG"
	case l == slog.LevelInfo:
		return "INFO"
	case l == slog.LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
