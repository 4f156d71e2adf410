package badger

import (
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// badgerLoggerAdapter forwards Badger's printf logging to zap. Info is demoted
// to debug since Badger reports every compaction at info.
type badgerLoggerAdapter struct {
	logger *zap.Logger
}

var _ badgerdb.Logger = (*badgerLoggerAdapter)(nil)

func (a *badgerLoggerAdapter) log(level zapcore.Level, format string, args []interface{}) {
	if ce := a.logger.Check(level, fmt.Sprintf(format, args...)); ce != nil {
		ce.Write(zap.String("component", "badger"))
	}
}

func (a *badgerLoggerAdapter) Errorf(format string, args ...interface{}) {
	a.log(zapcore.ErrorLevel, format, args)
}

func (a *badgerLoggerAdapter) Warningf(format string, args ...interface{}) {
	a.log(zapcore.WarnLevel, format, args)
}

func (a *badgerLoggerAdapter) Infof(format string, args ...interface{}) {
	a.log(zapcore.DebugLevel, format, args)
}

func (a *badgerLoggerAdapter) Debugf(format string, args ...interface{}) {
	a.log(zapcore.DebugLevel, format, args)
}
