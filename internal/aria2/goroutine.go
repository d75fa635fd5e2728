package aria2

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID returns the runtime id of the calling goroutine, read from the "goroutine N [...]"
// header of its stack trace. It returns 0 if the header cannot be parsed.
func goroutineID() uint64 {
	var buf [64]byte

	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}

	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}

	return id
}
