package api

import (
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// loggingMiddleware logs each request at a level picked from its status.
// Reads are debug so polling clients stay quiet.
func (s *Server) loggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	method := ctx.Method()

	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", ctx.URL().Path),
		slog.String("remote_addr", ctx.RemoteAddr()),
	}
	if q := ctx.URL().RawQuery; q != "" {
		attrs = append(attrs, slog.String("query", q))
	}

	next(ctx)

	status := ctx.Status()
	attrs = append(attrs,
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	)

	level := slog.LevelInfo
	switch {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	case method == "GET" || method == "OPTIONS":
		level = slog.LevelDebug
	}
	s.logger.LogAttrs(ctx.Context(), level, "HTTP request completed", attrs...)
}
