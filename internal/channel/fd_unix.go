package channel

import (
	"fmt"
	"io"
	"os"
)

// fdWriter and fdReader wrap the io.WriteCloser/io.ReadCloser that
// exec.Cmd.StdinPipe/StdoutPipe hand back. The standard library documents
// these as concrete *os.File values on Unix, which is what lets fdFromFile
// recover a raw descriptor for unix.Poll.
type fdWriter struct {
	f io.WriteCloser
}

type fdReader struct {
	f  io.ReadCloser
	fd int
}

// fdFromFile extracts the raw file descriptor backing an *os.File-typed
// io.ReadCloser, as returned by exec.Cmd.StdoutPipe on Unix platforms.
func fdFromFile(rc io.ReadCloser) (int, error) {
	f, ok := rc.(*os.File)
	if !ok {
		return 0, fmt.Errorf("channel: subprocess stdout pipe is not an *os.File (got %T)", rc)
	}
	return int(f.Fd()), nil
}
