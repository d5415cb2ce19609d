package logger

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"saltdetect/internal/config"
)

// Logger provides leveled logging (debug/info/warning/error) to per-level files and stdout/stderr.
type Logger struct {
	sugar  *zap.SugaredLogger
	files  []*os.File
	logDir string
	mu     sync.Mutex
}

// NewLogger creates a Logger and ensures the log directory exists.
func NewLogger(config *config.Config) *Logger {
	if err := os.MkdirAll(config.LogDirectory, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	logger := &Logger{
		logDir: config.LogDirectory,
	}

	logger.setupCores(parseLevel(config.LogLevel))
	return logger
}

// NewNop returns a Logger that discards everything. Intended for tests.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// setupCores wires one file core per level plus the console cores.
func (l *Logger) setupCores(minLevel zapcore.Level) {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000")
	fileEncoder := zapcore.NewConsoleEncoder(encCfg)

	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleCfg)

	only := func(level zapcore.Level) zap.LevelEnablerFunc {
		return func(lvl zapcore.Level) bool { return lvl == level && lvl >= minLevel }
	}
	atLeast := func(level zapcore.Level) zap.LevelEnablerFunc {
		return func(lvl zapcore.Level) bool { return lvl >= level && lvl >= minLevel }
	}
	below := func(level zapcore.Level) zap.LevelEnablerFunc {
		return func(lvl zapcore.Level) bool { return lvl < level && lvl >= minLevel }
	}

	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(l.openLogFile("info.log")), only(zapcore.InfoLevel)),
		zapcore.NewCore(fileEncoder, zapcore.AddSync(l.openLogFile("warning.log")), only(zapcore.WarnLevel)),
		zapcore.NewCore(fileEncoder, zapcore.AddSync(l.openLogFile("error.log")), atLeast(zapcore.ErrorLevel)),
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), below(zapcore.ErrorLevel)),
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), atLeast(zapcore.ErrorLevel)),
	)

	l.sugar = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// openLogFile opens or creates a log file for appending.
func (l *Logger) openLogFile(filename string) *os.File {
	file, err := os.OpenFile(filepath.Join(l.logDir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file %s: %v", filename, err)
	}
	l.files = append(l.files, file)
	return file
}

// Debug writes a formatted debug-level log entry (console only).
func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// CleanLogs truncates the specified log file.
func (l *Logger) CleanLogs(fileName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	filePath := filepath.Join(l.logDir, fileName)
	if err := os.Truncate(filePath, 0); err != nil {
		l.Error("Error truncating log file %s: %v", fileName, err)
		return err
	}

	l.Info("Log file %s has been cleared.", fileName)
	return nil
}

// Close flushes buffered entries and closes the log files.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.sugar.Sync()
	for _, f := range l.files {
		f.Close()
	}
	l.files = nil
}
