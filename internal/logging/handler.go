// Package logging provides ember's structured logging handler: a
// color-aware slog.Handler that renders a human-readable line per record
// plus a JSON tail of its attributes, grounded on
// prxssh-rabbit/pkg/utils/logging/slog.go.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Options configures a PrettyHandler's rendering.
type Options struct {
	Level          slog.Leveler
	UseColor       bool
	ShowSource     bool
	TimeFormat     string
	LevelWidth     int
	FieldSeparator string
}

// DefaultOptions mirrors the teacher's defaults for an interactive
// terminal session.
func DefaultOptions() Options {
	return Options{
		Level:          slog.LevelInfo,
		UseColor:       true,
		ShowSource:     false,
		TimeFormat:     time.RFC3339,
		LevelWidth:     7,
		FieldSeparator: " | ",
	}
}

// PrettyHandler is a slog.Handler that writes one colorized line per
// record, followed by a compact JSON object of its attributes.
type PrettyHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string

	colorTime    func(...any) string
	colorLevel   map[slog.Level]func(...any) string
	colorMessage func(...any) string
	colorSource  func(...any) string
	colorFields  func(...any) string
}

// NewPrettyHandler builds a handler writing to w with opts (DefaultOptions
// if nil).
func NewPrettyHandler(w io.Writer, opts *Options) *PrettyHandler {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.TimeFormat == "" {
		o.TimeFormat = time.RFC3339
	}
	if o.LevelWidth < 5 {
		o.LevelWidth = 7
	}
	if o.FieldSeparator == "" {
		o.FieldSeparator = " | "
	}

	h := &PrettyHandler{opts: o, writer: w, mu: &sync.Mutex{}}
	h.initColors()
	return h
}

func (h *PrettyHandler) initColors() {
	if !h.opts.UseColor {
		noColor := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMessage, h.colorSource, h.colorFields = noColor, noColor, noColor, noColor
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: noColor, slog.LevelInfo: noColor, slog.LevelWarn: noColor, slog.LevelError: noColor,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorSource = color.New(color.FgHiBlack).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf bytes.Buffer

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(h.opts.FieldSeparator)

	level := strings.ToUpper(r.Level.String())
	if h.opts.LevelWidth > 0 {
		level = fmt.Sprintf("%-*s", h.opts.LevelWidth, level)
	}
	if c, ok := h.colorLevel[r.Level]; ok {
		buf.WriteString(c(level))
	} else {
		buf.WriteString(level)
	}
	buf.WriteString(h.opts.FieldSeparator)

	if h.opts.ShowSource {
		if src := sourceOf(r.PC); src != "" {
			buf.WriteString(h.colorSource(src))
			buf.WriteString(h.opts.FieldSeparator)
		}
	}

	buf.WriteString(h.colorMessage(r.Message))

	attrs := h.collectAttrs(r)
	if len(attrs) > 0 {
		buf.WriteString(h.opts.FieldSeparator)
		enc, err := json.Marshal(attrs)
		if err != nil {
			fmt.Fprintf(&buf, "(attr encode error: %v)", err)
		} else {
			buf.WriteString(h.colorFields(string(enc)))
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	n := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		groups: append([]string(nil), h.groups...),
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	n.initColors()
	return n
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		groups: append(append([]string(nil), h.groups...), name),
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
	n.initColors()
	return n
}

func sourceOf(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func (h *PrettyHandler) collectAttrs(r slog.Record) map[string]any {
	out := make(map[string]any)
	cur := out
	for _, g := range h.groups {
		nested := make(map[string]any)
		cur[g] = nested
		cur = nested
	}

	for _, a := range h.attrs {
		addAttr(cur, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(cur, a)
		return true
	})

	pruneEmpty(out)
	return out
}

func addAttr(dst map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		group := make(map[string]any)
		for _, ga := range v.Group() {
			addAttr(group, ga)
		}
		if len(group) > 0 {
			dst[a.Key] = group
		}
		return
	}

	switch v.Kind() {
	case slog.KindTime:
		dst[a.Key] = v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		dst[a.Key] = v.Duration().String()
	default:
		dst[a.Key] = v.Any()
	}
}

func pruneEmpty(m map[string]any) {
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			pruneEmpty(nested)
			if len(nested) == 0 {
				delete(m, k)
			}
		}
	}
}
