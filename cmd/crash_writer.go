package cmd

import (
	"os"
)

// CrashWriter appends every Write to fileName, reopening it each time so
// it tolerates log rotation underneath it. Execute uses one as the
// destination for a recovered panic's stack trace.
type CrashWriter struct {
	fileName string
}

func (w *CrashWriter) Write(p []byte) (n int, err error) {
	f, err := os.OpenFile(w.fileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	n, err = f.Write(p)

	return
}
