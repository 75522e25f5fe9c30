// Package logger wraps a zap SugaredLogger with key/value helpers and
// adapters for the queue and cron libraries.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a production (JSON) or development (console) logger.
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// FromZap wraps an existing zap logger, e.g. zaptest.NewLogger(t).
func FromZap(z *zap.Logger) *Logger {
	return &Logger{SugaredLogger: z.Sugar()}
}

func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, keysAndValues...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, keysAndValues...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, keysAndValues...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, keysAndValues...)
}
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(keysAndValues...)}
}

// Queue adapts the logger to asynq.Logger.
func (l *Logger) Queue() *QueueLogger {
	return &QueueLogger{s: l.SugaredLogger.Named("asynq")}
}

// QueueLogger satisfies asynq.Logger.
type QueueLogger struct{ s *zap.SugaredLogger }

func (q *QueueLogger) Debug(args ...interface{}) { q.s.Debug(args...) }
func (q *QueueLogger) Info(args ...interface{})  { q.s.Info(args...) }
func (q *QueueLogger) Warn(args ...interface{})  { q.s.Warn(args...) }
func (q *QueueLogger) Error(args ...interface{}) { q.s.Error(args...) }
func (q *QueueLogger) Fatal(args ...interface{}) { q.s.Fatal(args...) }

// Cron adapts the logger to cron.Logger.
func (l *Logger) Cron() *CronLogger {
	return &CronLogger{s: l.SugaredLogger.Named("cron")}
}

// CronLogger satisfies cron.Logger. Routine info is logged at debug level.
type CronLogger struct{ s *zap.SugaredLogger }

func (c *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.s.Debugw(msg, normalize(keysAndValues)...)
}

func (c *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.s.Errorw(msg, append(normalize(keysAndValues), "error", err)...)
}

// normalize stringifies keys so odd cron key types never panic zap.
func normalize(kv []interface{}) []interface{} {
	out := make([]interface{}, 0, len(kv))
	for i, v := range kv {
		if i%2 == 0 {
			if _, ok := v.(string); !ok {
				v = fmt.Sprint(v)
			}
		}
		out = append(out, v)
	}
	return out
}
