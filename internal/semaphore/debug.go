package semaphore

import (
	"io"
	"log"
)

var opsLogger *log.Logger

// SetLogWriter configures the ops stream for the semaphore package.
// Pass nil to disable it.
func SetLogWriter(ops io.Writer) {
	if ops == nil {
		opsLogger = nil
		return
	}
	opsLogger = log.New(ops, "[semaphore] ", log.LstdFlags|log.Lmicroseconds)
}

// opsf logs contract violations such as releasing more permits than held.
func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}
