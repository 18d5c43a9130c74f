// Package logging provides categorized, file-based logging for charrelay.
// Each category writes to its own file under the configured log directory.
// Loggers are zap-backed; when logging is disabled (or a category is off)
// calls are no-ops.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and wiring
	CategoryDispatch Category = "dispatch" // Message dispatch and admission queues
	CategoryResolver Category = "resolver" // Character resolution decisions
	CategoryWatchdog Category = "watchdog" // Rate limiting and blocking
	CategoryActions  Category = "actions"  // Stored-action retry worker
	CategoryCache    Category = "cache"    // Directory and TTL caches
	CategoryStore    Category = "store"    // SQLite persistence
	CategoryBackend  Category = "backend"  // Backend integration calls
	CategoryGateway  Category = "gateway"  // Inbound event gateway
)

// Options controls logger construction. Zero value disables all output.
type Options struct {
	Dir        string          // Log directory; empty disables file output
	Level      string          // debug/info/warn/error (default info)
	Categories map[string]bool // nil = all categories enabled
	Console    bool            // Mirror warnings and errors to stderr
}

// Logger wraps a zap sugared logger bound to one category.
// A Logger with a nil sugar field is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*Logger)
	opts    Options
	level   zapcore.Level
	ready   bool
)

// Initialize configures the logging system. Call once at startup, before
// any component starts logging. Safe to skip entirely: without it, every
// logger is a no-op.
func Initialize(o Options) error {
	mu.Lock()
	defer mu.Unlock()

	opts = o
	switch o.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	if o.Dir != "" {
		if err := os.MkdirAll(o.Dir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}
	ready = true
	return nil
}

func categoryEnabled(c Category) bool {
	if !ready {
		return false
	}
	if opts.Dir == "" && !opts.Console {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, ok := opts.Categories[string(c)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Disabled categories
// get a no-op logger, so call sites never need nil checks.
func Get(c Category) *Logger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}

	if !categoryEnabled(c) {
		l := &Logger{category: c}
		loggers[c] = l
		return l
	}

	var cores []zapcore.Core
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if opts.Dir != "" {
		name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), c)
		file, err := os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", name, err)
		} else {
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(file), level))
		}
	}
	if opts.Console {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(os.Stderr), zapcore.WarnLevel))
	}

	l := &Logger{category: c}
	if len(cores) > 0 {
		zl := zap.New(zapcore.NewTee(cores...)).With(zap.String("cat", string(c)))
		l.sugar = zl.Sugar()
	}
	loggers[c] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying extra structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// CloseAll flushes every logger. Call on shutdown.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
	loggers = make(map[Category]*Logger)
	ready = false
}

// Convenience wrappers, one pair per category. These keep call sites terse:
// logging.Dispatch("queued %s", id) instead of Get(...).Info(...).

func Boot(format string, args ...interface{})          { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{})     { Get(CategoryBoot).Debug(format, args...) }
func Dispatch(format string, args ...interface{})      { Get(CategoryDispatch).Info(format, args...) }
func DispatchDebug(format string, args ...interface{}) { Get(CategoryDispatch).Debug(format, args...) }
func Resolver(format string, args ...interface{})      { Get(CategoryResolver).Info(format, args...) }
func ResolverDebug(format string, args ...interface{}) { Get(CategoryResolver).Debug(format, args...) }
func Watchdog(format string, args ...interface{})      { Get(CategoryWatchdog).Info(format, args...) }
func WatchdogDebug(format string, args ...interface{}) { Get(CategoryWatchdog).Debug(format, args...) }
func Actions(format string, args ...interface{})       { Get(CategoryActions).Info(format, args...) }
func ActionsDebug(format string, args ...interface{})  { Get(CategoryActions).Debug(format, args...) }
func Cache(format string, args ...interface{})         { Get(CategoryCache).Info(format, args...) }
func CacheDebug(format string, args ...interface{})    { Get(CategoryCache).Debug(format, args...) }
func Store(format string, args ...interface{})         { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{})    { Get(CategoryStore).Debug(format, args...) }
func Backend(format string, args ...interface{})       { Get(CategoryBackend).Info(format, args...) }
func BackendDebug(format string, args ...interface{})  { Get(CategoryBackend).Debug(format, args...) }
func Gateway(format string, args ...interface{})       { Get(CategoryGateway).Info(format, args...) }
func GatewayDebug(format string, args ...interface{})  { Get(CategoryGateway).Debug(format, args...) }
