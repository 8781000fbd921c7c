// Package logging builds the daemon's zap logger and a rate-limited wrapper
// for warnings that repeat once per bad row per tick.
package logging

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// New returns a production logger at level, or a development logger when
// debug is set.
func New(level string, debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// Limited drops log lines beyond a token-bucket rate and reports how many
// were dropped on the next line that gets through.
type Limited struct {
	log     *zap.SugaredLogger
	lim     *rate.Limiter
	dropped atomic.Int64
}

// NewLimited allows perSecond lines with the given burst.
func NewLimited(log *zap.SugaredLogger, perSecond float64, burst int) *Limited {
	return &Limited{
		log: log,
		lim: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Default is the limit used for configuration warnings: 5 per second, burst 20.
func Default(log *zap.SugaredLogger) *Limited {
	return NewLimited(log, 5, 20)
}

func (l *Limited) allow() ([]interface{}, bool) {
	if !l.lim.Allow() {
		l.dropped.Add(1)
		return nil, false
	}
	if n := l.dropped.Swap(0); n > 0 {
		return []interface{}{"suppressed", n}, true
	}
	return nil, true
}

// Warnw logs at WARN if the limiter allows.
func (l *Limited) Warnw(msg string, keysAndValues ...interface{}) {
	if extra, ok := l.allow(); ok {
		l.log.Warnw(msg, append(keysAndValues, extra...)...)
	}
}

// Errorw logs at ERROR if the limiter allows.
func (l *Limited) Errorw(msg string, keysAndValues ...interface{}) {
	if extra, ok := l.allow(); ok {
		l.log.Errorw(msg, append(keysAndValues, extra...)...)
	}
}

// Dropped returns the number of lines suppressed since the last emitted one.
func (l *Limited) Dropped() int64 {
	return l.dropped.Load()
}
