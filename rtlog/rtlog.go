// Package rtlog constructs the structured logger used by the Recomposer
// main loop and by Composition's dispatch-error reporting.
//
// Grounded on flavio-simonelli-KoordeDHT's internal/logger/zap factory:
// an atomic level, a console-or-json encoder, and a stdout-or-rotating
// file sink selected from config.
package rtlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the logger's level, encoding, and sink. It is the
// logging slice of config.RuntimeConfig and is unmarshalled from the
// same YAML document.
type Config struct {
	Level    string `json:"level"`    // zap level name, default "info"
	Encoding string `json:"encoding"` // "console" or "json"
	Sink     string `json:"sink"`     // "stdout" or "file"
	File     FileConfig `json:"file"`
}

// FileConfig configures lumberjack rotation when Sink == "file".
type FileConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
	Compress   bool   `json:"compress"`
}

// New builds a *zap.Logger from cfg. Unknown or empty fields fall back
// to info level, console encoding, and stdout, matching the teacher's
// forgiving defaulting.
func New(cfg Config) *zap.Logger {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = zap.NewAtomicLevelAt(zap.InfoLevel)
		}
	} else {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	encCfg.NameKey = "component"

	var encoder zapcore.Encoder
	if cfg.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer
	switch cfg.Sink {
	case "file":
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	default:
		ws = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, ws, level)
	return zap.New(core, zap.AddCaller())
}

// Nop returns a logger that discards everything, for use by tests and
// by callers that never configured a Config.
func Nop() *zap.Logger {
	return zap.NewNop()
}
