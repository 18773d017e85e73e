package activation

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"redeemcli/internal/infrastructure"
)

// componentLogger logs engine actions with a fixed component name.
type componentLogger struct {
	base      *slog.Logger
	component string
}

func newComponentLogger(base *slog.Logger, component string) componentLogger {
	if base == nil {
		base = slog.Default()
	}
	return componentLogger{base: base, component: component}
}

func (l componentLogger) log(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	infrastructure.AddSpanEvent(ctx, l.component+"."+action,
		attribute.String("action", action),
		attribute.String("result", result))

	all := make([]slog.Attr, 0, len(attrs)+3)
	all = append(all,
		slog.String("component", l.component),
		slog.String("action", action),
		slog.String("result", result),
	)
	all = append(all, attrs...)
	l.base.LogAttrs(ctx, level, action+"_"+result, all...)
}

func (l componentLogger) debug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelDebug, action, result, attrs...)
}

func (l componentLogger) info(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelInfo, action, result, attrs...)
}

func (l componentLogger) warn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelWarn, action, result, attrs...)
}

func (l componentLogger) fail(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelError, action, result, attrs...)
}

func keyAttrs(key string) []slog.Attr {
	return []slog.Attr{
		slog.String("key_masked", MaskKey(key)),
		slog.String("key_hash", HashKey(key)),
	}
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
