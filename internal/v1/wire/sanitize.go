package wire

import (
	"context"
	"html"
	"strings"

	"github.com/classkit/backend-go/internal/v1/logging"
	"go.uber.org/zap"
)

// Sanitize walks a decoded JSON value and returns a copy with every string
// HTML-escaped and every object key starting with "$" dropped. Dropped keys
// are logged; document-store operator injection is the reason they exist.
func Sanitize(v any) any {
	return sanitizeValue(context.Background(), v)
}

func sanitizeValue(ctx context.Context, v any) any {
	switch t := v.(type) {
	case string:
		return html.EscapeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if strings.HasPrefix(k, "$") {
				logging.Warn(ctx, "Dropped operator-prefixed key from input", zap.String("key", k))
				continue
			}
			out[k] = sanitizeValue(ctx, val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(ctx, val)
		}
		return out
	default:
		return v
	}
}
