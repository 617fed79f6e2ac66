package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Local runs get a readable console encoder
// at debug level; everything else gets production JSON.
func New(env string) (*zap.Logger, error) {
	var cfg zap.Config

	switch env {
	case "local":
		cfg = zap.Config{
			Encoding:         "console",
			Level:            zap.NewAtomicLevelAt(zap.DebugLevel),
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
			EncoderConfig: zapcore.EncoderConfig{
				MessageKey:  "msg",
				LevelKey:    "level",
				TimeKey:     "ts",
				EncodeTime:  zapcore.ISO8601TimeEncoder,
				EncodeLevel: zapcore.CapitalLevelEncoder,
			},
		}
	case "dev":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	return cfg.Build()
}
