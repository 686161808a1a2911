// Package logging builds the zap loggers used by the commands.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/karaoke-sync/internal/config"
)

const (
	maxSizeMB  = 50
	maxBackups = 5
	maxAgeDays = 14
)

// New returns a development logger when verbose, a production logger
// otherwise. With file logging enabled, entries are also written as JSON to
// a rotating <name>.log in the configured directory.
func New(verbose bool, logCfg *config.LoggingConfig, name string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	// Set log level from config
	if logCfg != nil && logCfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logCfg.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	if logCfg == nil || !logCfg.Enabled {
		return logger, nil
	}

	if err := os.MkdirAll(logCfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating logs directory: %w", err)
	}
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(logCfg.Directory, name+".log"),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
		LocalTime:  true,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(writer),
		zapConfig.Level,
	)

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
