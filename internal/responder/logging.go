package responder

import (
	"io"
	"os"
)

func defaultLogOutput() io.Writer {
	return os.Stderr
}

// SetLogOutput redirects the responder package's logger. Intended for
// use by cmd/e133master and cmd/e133client at startup.
func SetLogOutput(w io.Writer) {
	zeroconfLog.SetOutput(w)
}
