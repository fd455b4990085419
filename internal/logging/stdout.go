package logging

import (
	"io"
	"os"
)

// stdout is indirected so tests can capture output.
var stdoutOverride io.Writer

func stdout() io.Writer {
	if stdoutOverride != nil {
		return stdoutOverride
	}
	return os.Stdout
}
