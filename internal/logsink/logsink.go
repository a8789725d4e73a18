// Package logsink builds the zap logger of the CLI and the lesson log sink,
// which writes a message together with the thread and task it ran on.
package logsink

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NetPo4ki/scopelab/scope"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	// TimeLayout is HH:mm:ss.SSS.
	TimeLayout = "15:04:05.000"

	// MainThread names the host goroutine, which runs outside any task.
	MainThread = "main"
)

type unsupportedError struct {
	kind, value string
}

func (e *unsupportedError) Error() string {
	return fmt.Sprintf("logsink: unsupported log %s %q", e.kind, e.value)
}

// NewZap returns a logger writing to w at level in the given format.
func NewZap(w io.Writer, level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, &unsupportedError{kind: "level", value: level}
	}
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		MessageKey:     "msg",
		NameKey:        "logger",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout(TimeLayout),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	var enc zapcore.Encoder
	switch strings.ToLower(format) {
	case FormatConsole, "":
		enc = zapcore.NewConsoleEncoder(cfg)
	case FormatJSON:
		cfg.LevelKey = "level"
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	default:
		return nil, &unsupportedError{kind: "format", value: format}
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// Logger is the sink lessons write to.
type Logger struct {
	z *zap.Logger
}

func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// Log writes the formatted message with the thread and task of ctx.
func (l *Logger) Log(ctx context.Context, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.z.Info(msg, Fields(ctx)...)
}

// Named returns a sink whose entries carry name as the logger name.
func (l *Logger) Named(name string) *Logger { return &Logger{z: l.z.Named(name)} }

func (l *Logger) Zap() *zap.Logger { return l.z }

type threadKey struct{}

// OnThread names the plain goroutine that logs with the returned context.
func OnThread(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, threadKey{}, name)
}

// Fields returns the thread and task fields of ctx.
func Fields(ctx context.Context) []zap.Field {
	thread, _ := ctx.Value(threadKey{}).(string)
	if thread == "" {
		thread = scope.ThreadName(ctx)
	}
	if thread == "" {
		thread = MainThread
	}
	fields := []zap.Field{zap.String("thread", thread)}
	if task := scope.TaskName(ctx); task != "" {
		fields = append(fields, zap.String("task", task))
	}
	return fields
}
