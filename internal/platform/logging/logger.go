// Package logging wraps zap with the accessors the task-queue core threads
// through its components (per-task, per-workspace, per-agent context).
package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	taskIDKey    contextKey = "task_id"
	workspaceKey contextKey = "workspace"
)

// Config controls encoder/level selection.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// Logger wraps a zap.Logger plus accumulated structured fields.
type Logger struct {
	zap    *zap.Logger
	fields []zap.Field
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
	defaultMu   sync.RWMutex
)

// Default returns the process-wide logger, building one from environment
// defaults on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		l, err := New(Config{Level: "info", Format: detectFormat()})
		if err != nil {
			z, _ := zap.NewProduction()
			l = &Logger{zap: z}
		}
		defaultMu.Lock()
		defaultLog = l
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLog
}

// SetDefault overrides the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLog = l
	defaultMu.Unlock()
}

func detectFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	switch strings.ToLower(os.Getenv("TASKCORE_ENV")) {
	case "production", "prod":
		return "json"
	default:
		return "console"
	}
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	z := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{zap: z}, nil
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// WithFields returns a derived Logger carrying the given fields on every
// subsequent call.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), fields: append(append([]zap.Field{}, l.fields...), fields...)}
}

// WithTaskID tags subsequent log lines with the owning task id.
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.WithFields(zap.String("task_id", taskID))
}

// WithWorkspace tags subsequent log lines with the owning workspace root.
func (l *Logger) WithWorkspace(root string) *Logger {
	return l.WithFields(zap.String("workspace", root))
}

// WithAgentID tags subsequent log lines with the owning adapter/agent id.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return l.WithFields(zap.String("agent_id", agentID))
}

// WithContext pulls correlation fields stashed by ContextWithTaskID/
// ContextWithWorkspace out of ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	out := l
	if v, ok := ctx.Value(taskIDKey).(string); ok && v != "" {
		out = out.WithTaskID(v)
	}
	if v, ok := ctx.Value(workspaceKey).(string); ok && v != "" {
		out = out.WithWorkspace(v)
	}
	return out
}

func (l *Logger) WithError(err error) *Logger { return l.WithFields(zap.Error(err)) }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Zap returns the underlying *zap.Logger for call sites that need it raw.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Sync flushes buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// ContextWithTaskID stashes a task id for later retrieval by WithContext.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// ContextWithWorkspace stashes a workspace root for later retrieval by
// WithContext.
func ContextWithWorkspace(ctx context.Context, root string) context.Context {
	return context.WithValue(ctx, workspaceKey, root)
}
