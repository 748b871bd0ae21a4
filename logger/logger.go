// Package logger provides structured logging for PalAuth.
//
// It wraps Uber's zap logger behind a global instance so every package logs
// through the same configured core. The log level is set once at startup:
//
//	logger.Init(cfg.LogLevel) // debug, info, warn, error
//
//	logger.Log.Info("token exchanged",
//	    zap.String("client_id", clientID),
//	    zap.String("user_id", userID),
//	)
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger = zap.NewNop()

func Init(level string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var err error
	Log, err = cfg.Build()
	if err != nil {
		panic(err)
	}
}
