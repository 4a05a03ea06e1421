package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*zap.SugaredLogger
	closer func() error
}

func New(logLevel, logFile string) (*Logger, error) {
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	level := parseLevel(logLevel)
	encoderConfig := encoderConfig()

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	core := consoleCore
	var rotator *lumberjack.Logger
	if logFile != "" {
		rotator = newRotator(logFile)
		core = zapcore.NewTee(
			consoleCore,
			zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level),
		)
	}

	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	l := &Logger{SugaredLogger: zapLogger.Sugar()}
	if rotator != nil {
		l.closer = rotator.Close
	}
	return l, nil
}

// NewJobLog opens migration_{jobID}_{timestamp}.log under dir. Entries are
// JSON only; the process logger already covers the console.
func NewJobLog(dir, jobID string, startedAt time.Time) (*Logger, string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, JobLogName(jobID, startedAt))
	rotator := newRotator(path)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rotator), zapcore.DebugLevel)

	zapLogger := zap.New(core).With(zap.String("job_id", jobID))
	return &Logger{SugaredLogger: zapLogger.Sugar(), closer: rotator.Close}, path, nil
}

func JobLogName(jobID string, startedAt time.Time) string {
	return fmt.Sprintf("migration_%s_%s.log", jobID, startedAt.UTC().Format("20060102_150405"))
}

// ForJob returns a child logger tagged with the job id.
func (l *Logger) ForJob(jobID string) *Logger {
	return &Logger{SugaredLogger: l.With("job_id", jobID)}
}

func (l *Logger) Close() {
	_ = l.Sync()
	if l.closer != nil {
		_ = l.closer()
	}
}

func parseLevel(logLevel string) zapcore.Level {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = zapcore.InfoLevel
	}
	return level
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

func newRotator(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}
