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

var lineBufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// LineHandlerOptions controls how LineHandler renders a single log record
// to one human-readable line.
type LineHandlerOptions struct {
	SlogOpts          slog.HandlerOptions
	UseColor          bool
	ShowSource        bool
	FullSource        bool
	CompactJSON       bool
	TimeFormat        string
	LevelWidth        int
	DisableTimestamp  bool
	FieldSeparator    string
	MaxFieldLength    int
	DisableHTMLEscape bool
}

func DefaultOptions() LineHandlerOptions {
	return LineHandlerOptions{
		SlogOpts:          slog.HandlerOptions{Level: slog.LevelInfo},
		UseColor:          true,
		ShowSource:        true,
		TimeFormat:        time.RFC3339,
		LevelWidth:        7,
		FieldSeparator:    " | ",
		DisableHTMLEscape: true,
	}
}

// palette holds the color.SprintFunc for each part of a rendered line.
// Built once per handler (and once per With* derivative) so Handle itself
// does no color-package allocation on the hot path.
type palette struct {
	timestamp func(...any) string
	level     map[slog.Level]func(...any) string
	message   func(...any) string
	source    func(...any) string
	fields    func(...any) string
	errorText func(...any) string
}

func newPalette(useColor bool) palette {
	if !useColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		return palette{
			timestamp: plain,
			message:   plain,
			source:    plain,
			fields:    plain,
			errorText: plain,
			level: map[slog.Level]func(...any) string{
				slog.LevelDebug: plain,
				slog.LevelInfo:  plain,
				slog.LevelWarn:  plain,
				slog.LevelError: plain,
			},
		}
	}

	return palette{
		timestamp: color.New(color.FgHiBlack).SprintFunc(),
		message:   color.New(color.FgCyan).SprintFunc(),
		source:    color.New(color.FgHiBlack).SprintFunc(),
		fields:    color.New(color.FgWhite).SprintFunc(),
		errorText: color.New(color.FgRed, color.Bold).SprintFunc(),
		level: map[slog.Level]func(...any) string{
			slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
			slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
			slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
			slog.LevelError: color.New(color.FgRed).SprintFunc(),
		},
	}
}

// LineHandler is an slog.Handler that writes one colorized, human-scannable
// line per record instead of raw JSON, for interactive terminal use.
type LineHandler struct {
	opts    LineHandlerOptions
	writer  io.Writer
	mu      *sync.Mutex
	groups  []string
	attrs   []slog.Attr
	palette palette
}

func NewLineHandler(w io.Writer, opts *LineHandlerOptions) *LineHandler {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth < 5 {
		opts.LevelWidth = 7
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}

	return &LineHandler{
		opts:    *opts,
		writer:  w,
		mu:      &sync.Mutex{},
		palette: newPalette(opts.UseColor),
	}
}

func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	buf := lineBufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		lineBufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.opts.DisableTimestamp {
		buf.WriteString(h.palette.timestamp(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteString(h.opts.FieldSeparator)
	}

	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(h.opts.FieldSeparator)

	if h.opts.ShowSource {
		if source := h.extractSource(r.PC); source != "" {
			buf.WriteString(h.palette.source(source))
			buf.WriteString(h.opts.FieldSeparator)
		}
	}

	buf.WriteString(h.palette.message(r.Message))

	if attrs := h.collectAttributes(r); len(attrs) > 0 {
		buf.WriteString(h.opts.FieldSeparator)
		if err := h.formatAttributes(buf, attrs); err != nil {
			fmt.Fprintf(buf, "(error formatting attributes: %v)", err)
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *LineHandler) derive(extraGroup string, extraAttrs []slog.Attr) *LineHandler {
	h.mu.Lock()
	defer h.mu.Unlock()

	groups := append([]string(nil), h.groups...)
	if extraGroup != "" {
		groups = append(groups, extraGroup)
	}

	return &LineHandler{
		opts:    h.opts,
		writer:  h.writer,
		mu:      &sync.Mutex{},
		groups:  groups,
		attrs:   append(append([]slog.Attr(nil), h.attrs...), extraAttrs...),
		palette: h.palette,
	}
}

func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.derive("", attrs)
}

func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(name, nil)
}

func (h *LineHandler) formatLevel(level slog.Level) string {
	levelStr := strings.ToUpper(level.String())
	if h.opts.LevelWidth > 0 {
		levelStr = fmt.Sprintf("%-*s", h.opts.LevelWidth, levelStr)
	}

	if colorFunc, ok := h.palette.level[level]; ok {
		return colorFunc(levelStr)
	}
	if level > slog.LevelError {
		return h.palette.errorText(levelStr)
	}
	return levelStr
}

func (h *LineHandler) extractSource(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function == "" {
		return ""
	}

	file := frame.File
	if !h.opts.FullSource {
		file = filepath.Base(file)
	}
	source := fmt.Sprintf("%s:%d", file, frame.Line)

	if h.opts.SlogOpts.AddSource {
		funcName := frame.Function
		if idx := strings.LastIndex(funcName, "."); idx >= 0 {
			funcName = funcName[idx+1:]
		}
		source = fmt.Sprintf("%s:%s", source, funcName)
	}
	return source
}

func (h *LineHandler) collectAttributes(r slog.Record) map[string]any {
	attrs := make(map[string]any)

	current := attrs
	for _, group := range h.groups {
		nested := make(map[string]any)
		current[group] = nested
		current = nested
	}

	for _, attr := range h.attrs {
		h.addAttribute(current, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		h.addAttribute(current, attr)
		return true
	})

	pruneEmptyGroups(attrs)
	return attrs
}

func (h *LineHandler) addAttribute(attrs map[string]any, attr slog.Attr) {
	value := attr.Value.Resolve()

	if value.Kind() == slog.KindGroup {
		group := make(map[string]any)
		for _, groupAttr := range value.Group() {
			h.addAttribute(group, groupAttr)
		}
		if len(group) > 0 {
			attrs[attr.Key] = group
		}
		return
	}

	var v any
	switch value.Kind() {
	case slog.KindTime:
		v = value.Time().Format(h.opts.TimeFormat)
	case slog.KindDuration:
		v = value.Duration().String()
	case slog.KindAny:
		v = value.Any()
		if s, ok := v.(string); ok && h.opts.MaxFieldLength > 0 && len(s) > h.opts.MaxFieldLength {
			v = s[:h.opts.MaxFieldLength] + "..."
		}
	default:
		v = value.Any()
	}

	attrs[attr.Key] = v
}

func pruneEmptyGroups(attrs map[string]any) {
	for key, value := range attrs {
		if nested, ok := value.(map[string]any); ok {
			pruneEmptyGroups(nested)
			if len(nested) == 0 {
				delete(attrs, key)
			}
		}
	}
}

func (h *LineHandler) formatAttributes(buf *bytes.Buffer, attrs map[string]any) error {
	var jsonBuf bytes.Buffer
	encoder := json.NewEncoder(&jsonBuf)
	encoder.SetEscapeHTML(!h.opts.DisableHTMLEscape)
	if h.opts.CompactJSON {
		encoder.SetIndent("", "")
	} else {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(attrs); err != nil {
		return err
	}

	buf.WriteString(h.palette.fields(string(bytes.TrimRight(jsonBuf.Bytes(), "\n"))))
	return nil
}
