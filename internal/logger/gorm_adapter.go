package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerAdapter routes GORM output into a module Logger.
// Statements are logged at TRACE, so they only show with the datastore module at "trace":
//
//	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
//	    Logger: logger.NewGormLoggerAdapter(log.Module("gorm"), 200*time.Millisecond),
//	})
type GormLoggerAdapter struct {
	logger        Logger
	slowThreshold time.Duration
}

// NewGormLoggerAdapter wraps l. Statements slower than slowThreshold are warned about; 0 disables that.
func NewGormLoggerAdapter(l Logger, slowThreshold time.Duration) *GormLoggerAdapter {
	if l == nil {
		l = NewSlogLogger(nil, LogLevelInfo)
	}
	return &GormLoggerAdapter{logger: l, slowThreshold: slowThreshold}
}

// LogMode is ignored; levels come from the module configuration.
func (a *GormLoggerAdapter) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return a
}

func (a *GormLoggerAdapter) Info(_ context.Context, msg string, data ...any) {
	a.logger.Debug(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Warn(_ context.Context, msg string, data ...any) {
	a.logger.Warn(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Error(_ context.Context, msg string, data ...any) {
	a.logger.Error(fmt.Sprintf(msg, data...))
}

func (a *GormLoggerAdapter) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)
	statement, rows := fc()
	fields := []Field{
		String("sql", statement),
		Int64("rows", rows),
		Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		a.logger.Warn("statement failed", append(fields, Error(err))...)
	case a.slowThreshold > 0 && elapsed > a.slowThreshold:
		a.logger.Warn("slow statement", append(fields, Duration("threshold", a.slowThreshold))...)
	default:
		a.logger.Trace("statement", fields...)
	}
}
