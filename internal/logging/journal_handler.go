package logging

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// JournalHandler sends records to journald as structured fields. Attribute
// keys become upper-case field names with groups joined by underscores,
// so a "display" attribute is queryable as DISPLAY=HDMI-A-1.
type JournalHandler struct {
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func NewJournalHandler(level slog.Leveler) *JournalHandler {
	return &JournalHandler{level: level}
}

func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	priority := journalPriority(r.Level)
	fields := map[string]string{
		"SYSLOG_IDENTIFIER": "hwcomposer",
	}
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.Function != "" {
			fields["CODE_FUNC"] = frame.Function
			fields["CODE_FILE"] = frame.File
			fields["CODE_LINE"] = strconv.Itoa(frame.Line)
		}
	}
	for _, a := range h.attrs {
		addAttrToFields(fields, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttrToFields(fields, a, h.prefix)
		return true
	})
	return journal.Send(r.Message, priority, fields)
}

func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + "_" + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = joinKey(h.prefix, name)
	return &next
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	}
	return journal.PriDebug
}

// addAttrToFields flattens a into fields under prefix. Empty attributes
// are dropped, as slog handlers must.
func addAttrToFields(fields map[string]string, a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := joinKey(prefix, a.Key)
	v := a.Value
	switch v.Kind() {
	case slog.KindGroup:
		for _, sub := range v.Group() {
			addAttrToFields(fields, sub, key)
		}
		return
	case slog.KindInt64:
		fields[fieldName(key)] = strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		fields[fieldName(key)] = strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		fields[fieldName(key)] = strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		fields[fieldName(key)] = strconv.FormatBool(v.Bool())
	case slog.KindTime:
		fields[fieldName(key)] = v.Time().Format(time.RFC3339Nano)
	default:
		fields[fieldName(key)] = v.String()
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}

// fieldName maps a key to journald's field alphabet: upper-case letters,
// digits and underscores, not starting with an underscore.
func fieldName(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, key)
	if name = strings.TrimLeft(name, "_"); name == "" {
		return "ATTR"
	}
	return name
}

// IsJournalAvailable reports whether journald's socket is reachable.
func IsJournalAvailable() bool {
	return journal.Enabled()
}
