package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu       sync.RWMutex
	logger   *zap.SugaredLogger
	atom     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	initOnce sync.Once
)

// Init builds the process-wide logger. environment "production" selects JSON
// output; anything else uses the console encoder with colored levels.
// Calling Init again replaces the logger.
func Init(environment string, level Level) error {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.Level = atom

	// Skip this package's wrappers so caller points at the real call site.
	z, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(2))
	if err != nil {
		return err
	}
	SetLevel(level)

	mu.Lock()
	logger = z.Sugar()
	mu.Unlock()
	initOnce.Do(func() {})
	return nil
}

// Replace swaps the underlying logger, mainly so tests can observe output.
func Replace(z *zap.Logger) {
	initOnce.Do(func() {})
	mu.Lock()
	logger = z.WithOptions(zap.AddCallerSkip(2)).Sugar()
	mu.Unlock()
}

// Sync flushes buffered entries. Errors from syncing stderr are ignored.
func Sync() {
	_ = current().Sync()
}

func SetLevel(l Level) {
	atom.SetLevel(toZap(l))
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(LevelWarn, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(LevelError, msg, extended...)
}

func logWithLevel(level Level, msg string, kv ...any) {
	l := current()
	kv = evenKVs(kv)
	switch level {
	case LevelDebug:
		l.Debugw(msg, kv...)
	case LevelWarn:
		l.Warnw(msg, kv...)
	case LevelError:
		l.Errorw(msg, kv...)
	default:
		l.Infow(msg, kv...)
	}
}

func current() *zap.SugaredLogger {
	initOnce.Do(func() {
		z, err := zap.NewDevelopment(zap.AddCallerSkip(2), zap.IncreaseLevel(atom))
		if err != nil {
			z = zap.NewNop()
		}
		mu.Lock()
		logger = z.Sugar()
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// evenKVs drops a dangling trailing key, which zap would otherwise report as
// an "ignored key" error entry.
func evenKVs(kv []any) []any {
	if len(kv)%2 == 1 {
		return kv[:len(kv)-1]
	}
	return kv
}

func toZap(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
