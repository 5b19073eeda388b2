package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slogLogger routes gorm's SQL logging into slog.
type slogLogger struct {
	logger                    *slog.Logger
	SlowThreshold             time.Duration
	LogLevel                  logger.LogLevel
	IgnoreRecordNotFoundError bool
}

func NewLogger(l *slog.Logger) logger.Interface {
	return &slogLogger{
		logger:                    l.With("component", "gorm"),
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	}
}

func (s *slogLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *s
	c.LogLevel = level
	return &c
}

func (s *slogLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if s.LogLevel >= logger.Info {
		s.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (s *slogLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if s.LogLevel >= logger.Warn {
		s.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (s *slogLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if s.LogLevel >= logger.Error {
		s.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (s *slogLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if s.LogLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && s.LogLevel >= logger.Error && (!errors.Is(err, gorm.ErrRecordNotFound) || !s.IgnoreRecordNotFoundError):
		sql, rows := fc()
		s.logger.DebugContext(ctx, sql,
			"line_number", utils.FileWithLineNum(),
			"err", err,
			"rows", rows,
			"elapsed_ms", float64(elapsed.Nanoseconds())/1e6,
		)
	case elapsed > s.SlowThreshold && s.SlowThreshold != 0 && s.LogLevel >= logger.Warn:
		sql, rows := fc()
		s.logger.WarnContext(ctx, sql,
			"line_number", utils.FileWithLineNum(),
			"slow", fmt.Sprintf("SLOW SQL >= %v", s.SlowThreshold),
			"rows", rows,
			"elapsed_ms", float64(elapsed.Nanoseconds())/1e6,
		)
	case s.LogLevel == logger.Info:
		sql, rows := fc()
		s.logger.InfoContext(ctx, sql,
			"line_number", utils.FileWithLineNum(),
			"rows", rows,
			"elapsed_ms", float64(elapsed.Nanoseconds())/1e6,
		)
	}
}
