// Package logging builds the zap logger described by the logger configuration.
package logging

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oda/juicydb/internal/config"
	"github.com/oda/juicydb/internal/dberr"
)

// New returns a logger writing to stderr, or to a rotated file when
// cfg.OutputPath names one.
func New(cfg config.Logger) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, dberr.Wrapf(dberr.ErrConfig, "log level %q", cfg.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch cfg.Encoding {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console", "":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, dberr.Wrapf(dberr.ErrConfig, "log encoding %q", cfg.Encoding)
	}

	core := zapcore.NewCore(enc, writer(cfg), level)
	return zap.New(core, zap.AddCaller()), nil
}

func writer(cfg config.Logger) zapcore.WriteSyncer {
	switch cfg.OutputPath {
	case "", "stderr":
		return zapcore.Lock(os.Stderr)
	case "stdout":
		return zapcore.Lock(os.Stdout)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.OutputPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}
