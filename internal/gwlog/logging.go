// Package gwlog builds the daemon's sugared zap logger and a throttled
// variant for warnings that would otherwise repeat every tick.
package gwlog

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	atomicLevel = zap.NewAtomicLevel()
	daemonName  string
	throttled   = make(map[string]*Throttled)
)

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006/01/02 15:04:05.000"))
}

func callerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	dir, file := filepath.Split(caller.File)
	dir = filepath.Base(dir)
	if dir != daemonName {
		file = filepath.Join(dir, file)
	}
	enc.AppendString(fmt.Sprintf("%s:%s:%d", daemonName, file, caller.Line))
}

// New returns a sugared logger tagged with name, with a level that can later
// be changed at runtime via SetLevel.
func New(name string) *zap.SugaredLogger {
	daemonName = name

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = atomicLevel
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = timeEncoder
	cfg.EncoderConfig.EncodeCaller = callerEncoder

	logger, err := cfg.Build()
	if err != nil {
		panic("gwlog: failed to build logger: " + err.Error())
	}
	return logger.Sugar()
}

// SetLevel adjusts the running daemon's log verbosity. level is any string
// zapcore.Level understands ("debug", "info", "warn", "error").
func SetLevel(level string) error {
	var l zapcore.Level
	if err := (&l).UnmarshalText([]byte(level)); err != nil {
		return err
	}
	atomicLevel.SetLevel(l)
	return nil
}

// DebugLevelToZap maps the config file's numeric DebugLevel (0 quiet .. 7
// noisy, following the original daemon's convention) onto a zap level.
func DebugLevelToZap(n int) zapcore.Level {
	switch {
	case n <= 0:
		return zapcore.ErrorLevel
	case n <= 2:
		return zapcore.WarnLevel
	case n <= 4:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Throttled wraps a sugared logger so that repeated calls from the same call
// site are rate-limited with exponential backoff, rather than flooding the
// log every tick with the same warning (e.g. "auth server unreachable").
type Throttled struct {
	slog      *zap.SugaredLogger
	next      time.Time
	baseDelay time.Duration
	maxDelay  time.Duration
	curDelay  time.Duration
}

func (t *Throttled) ready() bool {
	now := time.Now()
	if now.Before(t.next) {
		return false
	}
	t.next = now.Add(t.curDelay)
	t.curDelay *= 2
	if t.curDelay > t.maxDelay {
		t.curDelay = t.maxDelay
	}
	return true
}

// Warnf issues a rate-limited WARN message.
func (t *Throttled) Warnf(format string, args ...interface{}) {
	if t.ready() {
		t.slog.Warnf(format, args...)
	}
}

// Errorf issues a rate-limited ERROR message.
func (t *Throttled) Errorf(format string, args ...interface{}) {
	if t.ready() {
		t.slog.Errorf(format, args...)
	}
}

// Clear resets the backoff to its base delay, e.g. once the condition that
// was being warned about clears.
func (t *Throttled) Clear() {
	t.next = time.Now()
	t.curDelay = t.baseDelay
}

// GetThrottled returns a Throttled logger unique to its call site: the first
// call from a given file:line allocates one, subsequent calls from the same
// site reuse it.
func GetThrottled(slog *zap.SugaredLogger, start, max time.Duration) *Throttled {
	var key string
	if _, file, line, ok := runtime.Caller(1); ok {
		key = file + ":" + strconv.Itoa(line)
	} else {
		key = "unknown"
	}

	t, ok := throttled[key]
	if !ok {
		t = &Throttled{
			slog:      slog.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar(),
			next:      time.Now(),
			baseDelay: start,
			curDelay:  start,
			maxDelay:  max,
		}
		throttled[key] = t
	}
	return t
}
