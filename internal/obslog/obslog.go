package obslog

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Process-wide logger, a no-op until InitFromEnv or Init runs.
var globalLogger = zap.NewNop()

// L returns the process-wide logger.
func L() *zap.Logger { return globalLogger }

type Options struct {
	Level  zapcore.Level
	Format string // legacy, json or console
	Caller bool

	// Console receives console output; nil disables it.
	Console io.Writer

	// File enables a rotating log file at FilePath.
	File         bool
	FilePath     string
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int
	CompressLogs bool
}

// OptionsFromEnv reads LOG_* variables. Console output goes to stderr so that
// command output on stdout stays machine-readable.
func OptionsFromEnv() Options {
	opts := Options{
		Level:        parseLevel(getenvDefault("LOG_LEVEL", "info")),
		Format:       normalizeFormat(getenvDefault("LOG_FORMAT", "legacy")),
		Caller:       strings.EqualFold(getenvDefault("LOG_CALLER", "false"), "true"),
		File:         strings.EqualFold(getenvDefault("LOG_TO_FILE", "false"), "true"),
		FilePath:     strings.TrimSpace(getenvDefault("LOG_FILE", filepath.Join("logs", "chess-quant.log"))),
		MaxSizeMB:    getenvInt("LOG_MAX_SIZE_MB", 50),
		MaxBackups:   getenvInt("LOG_MAX_BACKUPS", 5),
		MaxAgeDays:   getenvInt("LOG_MAX_AGE_DAYS", 14),
		CompressLogs: strings.EqualFold(getenvDefault("LOG_COMPRESS", "true"), "true"),
	}
	if strings.EqualFold(getenvDefault("LOG_TO_CONSOLE", "true"), "true") {
		opts.Console = os.Stderr
	}
	return opts
}

// InitFromEnv installs a logger built from OptionsFromEnv as L().
func InitFromEnv() error {
	return Init(OptionsFromEnv())
}

func Init(opts Options) error {
	logger, err := New(opts)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// New builds a logger that tees console and file output.
func New(opts Options) (*zap.Logger, error) {
	format := normalizeFormat(opts.Format)
	var cores []zapcore.Core

	if opts.Console != nil {
		cores = append(cores, zapcore.NewCore(encoder(format), zapcore.AddSync(opts.Console), opts.Level))
	}

	if opts.File {
		if err := ensureDir(filepath.Dir(opts.FilePath)); err != nil {
			return nil, err
		}
		fileWriter := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.CompressLogs,
			LocalTime:  true,
		}
		cores = append(cores, zapcore.NewCore(encoder(format), zapcore.AddSync(fileWriter), opts.Level))
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if opts.Caller || format == "legacy" {
		logger = logger.WithOptions(zap.AddCaller())
	}
	return logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func encoder(format string) zapcore.Encoder {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(jsonEncoderConfig())
	case "console":
		return zapcore.NewConsoleEncoder(consoleEncoderConfig(false))
	default:
		return zapcore.NewConsoleEncoder(legacyEncoderConfig())
	}
}

func normalizeFormat(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s != "legacy" && s != "json" && s != "console" {
		return "legacy"
	}
	return s
}

func ensureDir(dir string) error {
	if strings.TrimSpace(dir) == "" || dir == "." {
		return nil
	}
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func legacyEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.ConsoleSeparator = " | "
	return cfg
}

func consoleEncoderConfig(color bool) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return cfg
}
