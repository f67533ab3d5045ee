package relay

import (
	"bytes"
	"runtime"
	"strconv"
)

// CurrentContext returns the calling goroutine's ID. The runtime does not
// expose it directly; the first line of a single-goroutine stack dump is
// "goroutine N [running]:", and N is monotonically assigned and never
// reused within a process, which is exactly the stability the partition
// key needs. The dump is bounded to one small buffer, so the cost is a
// few microseconds per opaque call, well under the call-site overhead the
// engine already pays.
func CurrentContext() ContextID {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return ContextID(parseGoroutineID(buf[:n]))
}

func parseGoroutineID(stack []byte) uint64 {
	const prefix = "goroutine "
	rest, ok := bytes.CutPrefix(stack, []byte(prefix))
	if !ok {
		return 0
	}
	end := bytes.IndexByte(rest, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(rest[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
