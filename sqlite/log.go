package sqlite

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/engine"
)

// LogHandler receives every native failure the driver converts into an error.
type LogHandler func(code engine.ResultCode, msg string)

var (
	logHandlerMu sync.RWMutex
	logHandler   LogHandler
)

// SetLogHandler installs a process-wide handler for native failures. Passing
// nil removes it.
func SetLogHandler(h LogHandler) {
	logHandlerMu.Lock()
	logHandler = h
	logHandlerMu.Unlock()
}

func notifyLogHandler(code engine.ResultCode, msg string) {
	logHandlerMu.RLock()
	h := logHandler
	logHandlerMu.RUnlock()

	log.WithFields(log.Fields{"code": code, "err": msg}).Warn("native engine failure")
	if h != nil {
		h(code, msg)
	}
}

func defaultLogger() *log.Entry {
	return log.WithField("component", "sqlite")
}
