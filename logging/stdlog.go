package logging

import (
	"log"
	"strings"
)

// debugWriter forwards log.Logger output into the debug log.
type debugWriter struct {
	protocol string
}

func (w debugWriter) Write(p []byte) (int, error) {
	DebugLog(w.protocol, "%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// StdLogger returns a *log.Logger whose output lands in the debug log under
// protocol. Libraries that only accept a standard logger (gos7) use this.
func StdLogger(protocol string) *log.Logger {
	return log.New(debugWriter{protocol: protocol}, "", 0)
}
