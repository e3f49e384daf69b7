package log

import (
	"fmt"
	"log/slog"
	"time"
)

// Attrs flattens the attributes of r into one map. Group members get
// dotted keys; errors, durations and times become strings.
func Attrs(r slog.Record) map[string]any {
	attrs := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, "", a)
		return true
	})
	return attrs
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	switch v.Kind() {
	case slog.KindGroup:
		for _, ga := range v.Group() {
			flatten(dst, key, ga)
		}
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			dst[key] = err.Error()
			return
		}
		dst[key] = fmt.Sprint(v.Any())
	case slog.KindDuration:
		dst[key] = v.Duration().String()
	case slog.KindTime:
		dst[key] = v.Time().Format(time.RFC3339Nano)
	default:
		dst[key] = v.Any()
	}
}
