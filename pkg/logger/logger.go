package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/lk2023060901/xplay/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ Logger = (*BaseLogger)(nil)

// BaseLogger 基于 zap 的日志记录器
type BaseLogger struct {
	zl    *zap.Logger
	level zap.AtomicLevel
	cfg   *Config
}

// Option 构建选项
type Option func(*options)

type options struct {
	writer io.Writer
}

// WithWriter 追加额外输出（测试中用于捕获日志）
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// New 创建 BaseLogger，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (*BaseLogger, error) {
	merged, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to merge logger config: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	level := zap.NewAtomicLevelAt(toZapLevel(merged.Level))

	var encoder zapcore.Encoder
	if merged.Format == JSONFormat {
		encoder = zapcore.NewJSONEncoder(encoderConfig(merged))
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig(merged))
	}

	writers := make([]zapcore.WriteSyncer, 0, 3)
	if merged.EnableConsole {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	if merged.EnableFile {
		fw, err := newRotationWriter(&merged.Rotation, merged.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create rotation writer: %w", err)
		}
		writers = append(writers, zapcore.AddSync(fw))
	}
	if o.writer != nil {
		writers = append(writers, zapcore.AddSync(o.writer))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)

	zopts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if merged.EnableStacktrace {
		zopts = append(zopts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if merged.Development {
		zopts = append(zopts, zap.Development())
	}

	zl := zap.New(core, zopts...)
	if len(merged.GlobalFields) > 0 {
		keys := make([]string, 0, len(merged.GlobalFields))
		for k := range merged.GlobalFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, zap.Any(k, merged.GlobalFields[k]))
		}
		zl = zl.With(fields...)
	}

	return &BaseLogger{zl: zl, level: level, cfg: merged}, nil
}

func encoderConfig(cfg *Config) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(cfg.TimeFormat),
	}
	if cfg.Development && cfg.Format != JSONFormat {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return ec
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel 动态调整日志等级，所有派生 logger 共享
func (l *BaseLogger) SetLevel(level Level) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *BaseLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.zl.Debug(msg, toFields(keysAndValues)...)
}

func (l *BaseLogger) Info(msg string, keysAndValues ...interface{}) {
	l.zl.Info(msg, toFields(keysAndValues)...)
}

func (l *BaseLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.zl.Warn(msg, toFields(keysAndValues)...)
}

func (l *BaseLogger) Error(msg string, keysAndValues ...interface{}) {
	l.zl.Error(msg, toFields(keysAndValues)...)
}

func (l *BaseLogger) DebugContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.zl.Debug(msg, append(contextFields(ctx), toFields(keysAndValues)...)...)
}

func (l *BaseLogger) InfoContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.zl.Info(msg, append(contextFields(ctx), toFields(keysAndValues)...)...)
}

func (l *BaseLogger) WarnContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.zl.Warn(msg, append(contextFields(ctx), toFields(keysAndValues)...)...)
}

func (l *BaseLogger) ErrorContext(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.zl.Error(msg, append(contextFields(ctx), toFields(keysAndValues)...)...)
}

// Named 创建具名 logger（名称以 . 级联）
func (l *BaseLogger) Named(name string) Logger {
	return &BaseLogger{zl: l.zl.Named(name), level: l.level, cfg: l.cfg}
}

// WithFields 返回携带固定字段的 logger
func (l *BaseLogger) WithFields(keysAndValues ...interface{}) Logger {
	fields := toFields(keysAndValues)
	if len(fields) == 0 {
		return l
	}
	return &BaseLogger{zl: l.zl.With(fields...), level: l.level, cfg: l.cfg}
}

func (l *BaseLogger) Sync() error {
	return l.zl.Sync()
}

// toFields 将 key-value 对转换为 zap.Field，也接受直接传入的 zap.Field
func toFields(keysAndValues []interface{}) []zap.Field {
	if len(keysAndValues) == 0 {
		return nil
	}
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i++ {
		switch v := keysAndValues[i].(type) {
		case zap.Field:
			fields = append(fields, v)
		case string:
			if i+1 >= len(keysAndValues) {
				fields = append(fields, zap.Any("!BADKEY", v))
				continue
			}
			val := keysAndValues[i+1]
			if err, ok := val.(error); ok && err != nil {
				fields = append(fields, zap.NamedError(v, err))
			} else {
				fields = append(fields, zap.Any(v, val))
			}
			i++
		default:
			fields = append(fields, zap.Any("!BADKEY", v))
		}
	}
	return fields
}

var (
	defaultLogger Logger
	defaultOnce   sync.Once
)

// Default 返回仅控制台输出的默认 logger
func Default() Logger {
	defaultOnce.Do(func() {
		l, err := New(nil)
		if err != nil {
			defaultLogger = NewNoop()
			return
		}
		defaultLogger = l
	})
	return defaultLogger
}
