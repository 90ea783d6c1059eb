// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Sugared = *zap.SugaredLogger

// New builds the production logger for "prod" and the development one
// otherwise. Extra cores receive every entry as well.
func New(env string, extra ...zapcore.Core) Sugared {
	var z *zap.Logger
	if env == "prod" {
		z, _ = zap.NewProduction()
	} else {
		z, _ = zap.NewDevelopment()
	}
	if len(extra) > 0 {
		cores := append([]zapcore.Core{z.Core()}, extra...)
		z = z.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
			return zapcore.NewTee(cores...)
		}))
	}
	return z.Sugar()
}
