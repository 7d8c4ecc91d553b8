package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level, format and file rotation. It is applied with
// Configure before the first logger is created.
type Config struct {
	// Level is one of debug, info, warn, error (default info)
	Level string `yaml:"level"`

	// Format is console or json (default console)
	Format string `yaml:"format"`

	// Dir overrides the log directory (default ~/.browseract/logs)
	Dir string `yaml:"dir"`

	// Console mirrors log output to stderr
	Console bool `yaml:"console"`

	// Rotation settings passed to lumberjack
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Validate checks the level and format names.
func (c Config) Validate() error {
	if c.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
			return fmt.Errorf("invalid log level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Level)
		}
	}
	switch c.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Format)
	}
	return nil
}

// Logger writes component-tagged entries to the run's log file.
// All loggers of one process share a run ID and a file in
// ~/.browseract/logs/<run-id>-browseract.log.
type Logger struct {
	runID     string
	component string
	logger    *zap.Logger
	sugar     *zap.SugaredLogger
	logPath   string
	closeOnce sync.Once
}

var (
	// Global run ID for the current execution
	runID     string
	runIDOnce sync.Once

	// logDir is the directory where log files are stored
	logDir string

	// initOnce ensures directory initialization happens once
	initOnce sync.Once

	// initErr stores any error from directory initialization
	initErr error

	rootMu   sync.Mutex
	settings Config
	level    = zap.NewAtomicLevelAt(zap.InfoLevel)
	root     *zap.Logger
	rootFile *lumberjack.Logger
	rootPath string
)

// getRunID returns or creates the run ID for this execution
func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// initLogDirectory ensures the log directory exists
func initLogDirectory() error {
	initOnce.Do(func() {
		if logDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				initErr = fmt.Errorf("failed to get home directory: %w", err)
				return
			}
			logDir = filepath.Join(homeDir, ".browseract", "logs")
		}
		if err := os.MkdirAll(logDir, 0750); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}
	})
	return initErr
}

// Configure applies cfg to loggers created afterwards. Loggers created
// before keep writing to the previous destination, but level changes apply
// to all of them.
func Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	rootMu.Lock()
	defer rootMu.Unlock()

	settings = cfg
	if cfg.Level != "" {
		_ = level.UnmarshalText([]byte(cfg.Level))
	}
	if cfg.Dir != "" && cfg.Dir != logDir {
		logDir = cfg.Dir
		initOnce = sync.Once{}
		initErr = nil
	}
	closeRootLocked()
	return nil
}

// SetLevel changes the level of every logger.
func SetLevel(l string) error {
	return level.UnmarshalText([]byte(l))
}

func encoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.ConsoleSeparator = " "
	cfg.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + name + "]")
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// rootLogger builds (once per configuration) the shared zap logger. If the
// log directory is unusable it falls back to stderr and returns the error.
func rootLogger() (*zap.Logger, string, error) {
	rootMu.Lock()
	defer rootMu.Unlock()

	if root != nil {
		return root, rootPath, nil
	}

	var cores []zapcore.Core
	if settings.Console {
		cores = append(cores, zapcore.NewCore(encoder(settings.Format), zapcore.Lock(os.Stderr), level))
	}

	if err := initLogDirectory(); err != nil {
		// Fallback to stderr if we can't create the log directory
		if !settings.Console {
			cores = append(cores, zapcore.NewCore(encoder(settings.Format), zapcore.Lock(os.Stderr), level))
		}
		l := zap.New(zapcore.NewTee(cores...))
		l.Warn("Failed to initialize file logging, falling back to stderr", zap.Error(err))
		return l, "", err
	}

	path := filepath.Join(logDir, fmt.Sprintf("%s-browseract.log", getRunID()))
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    settings.MaxSizeMB,
		MaxBackups: settings.MaxBackups,
		MaxAge:     settings.MaxAgeDays,
		Compress:   settings.Compress,
	}
	cores = append(cores, zapcore.NewCore(encoder(settings.Format), zapcore.AddSync(file), level))

	root = zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel)).
		With(zap.String("run", getRunID()))
	rootFile = file
	rootPath = path
	return root, rootPath, nil
}

func closeRootLocked() {
	if root != nil {
		_ = root.Sync()
	}
	if rootFile != nil {
		_ = rootFile.Close()
	}
	root, rootFile, rootPath = nil, nil, ""
}

// Shutdown flushes and closes the shared log file.
func Shutdown() {
	rootMu.Lock()
	defer rootMu.Unlock()
	closeRootLocked()
}

// NewLogger creates a new logger for a specific component.
//
// If the log directory cannot be created, it returns a logger that writes
// to stderr along with the error. Callers can check the error to detect
// fallback mode.
func NewLogger(component string) (*Logger, error) {
	base, path, err := rootLogger()
	l := base.Named(component)
	return &Logger{
		runID:     getRunID(),
		component: component,
		logger:    l,
		sugar:     l.Sugar(),
		logPath:   path,
	}, err
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := zap.NewNop()
	return &Logger{logger: l, sugar: l.Sugar()}
}

// Printf logs a formatted message at info level
func (l *Logger) Printf(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Zap returns the structured logger for packages that take a *zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.logger
}

// RunID returns the current run ID
func (l *Logger) RunID() string {
	return l.runID
}

// LogPath returns the path to the log file, or "" in fallback mode
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close flushes buffered entries. Safe to call multiple times. The shared
// file stays open for other components until Shutdown.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.logger.Sync()
		// stderr cannot be synced on some platforms
		if err != nil && strings.Contains(err.Error(), "/dev/stderr") {
			err = nil
		}
	})
	return err
}

// GetRunID returns the current global run ID
func GetRunID() string {
	return getRunID()
}

// GetLogDirectory returns the directory where logs are stored
func GetLogDirectory() (string, error) {
	rootMu.Lock()
	defer rootMu.Unlock()
	if err := initLogDirectory(); err != nil {
		return "", err
	}
	return logDir, nil
}
