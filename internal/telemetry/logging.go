package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel разбирает уровень логирования.
// Возможные значения: DEBUG, INFO, WARN, ERROR (без учёта регистра).
// По умолчанию: INFO
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogLevel определяет уровень логирования из переменной окружения LOG_LEVEL.
func LogLevel() slog.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

// NewLogger создаёт логгер, пишущий в w.
//
// format:
//   - "json" (по умолчанию) — JSON формат для production
//   - "text" — человекочитаемый формат для разработки
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// SetupLogger инициализирует глобальный логгер из LOG_LEVEL и LOG_FORMAT.
func SetupLogger() *slog.Logger {
	return SetupLoggerTo(os.Stdout, LogLevel(), os.Getenv("LOG_FORMAT"))
}

// SetupLoggerTo инициализирует глобальный логгер с явными параметрами.
// CLI пишет логи в stderr, чтобы stdout оставался для результатов.
func SetupLoggerTo(w io.Writer, level slog.Level, format string) *slog.Logger {
	logger := NewLogger(w, level, format)
	slog.SetDefault(logger)
	return logger
}

// Ключи контекста для передачи данных в логгер.
type ctxKey string

const (
	// CtxLogger — ключ для логгера в контексте.
	CtxLogger ctxKey = "logger"
)

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithRun возвращает логгер с добавленными workflow и run_id.
func WithRun(logger *slog.Logger, workflow, runID string) *slog.Logger {
	return logger.With("workflow", workflow, "run_id", runID)
}

// WithStep возвращает логгер с добавленным step.
func WithStep(logger *slog.Logger, step string) *slog.Logger {
	return logger.With("step", step)
}

// WithInstance возвращает логгер с добавленными step и instance.
func WithInstance(logger *slog.Logger, step, key string) *slog.Logger {
	return logger.With("step", step, "instance", key)
}
