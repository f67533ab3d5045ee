package boundary

import (
	"runtime"
	"strings"
)

// callSite walks up the stack past the engine's own frames to the user
// call site. Interpreted frames have synthetic file names; whatever the
// first non-engine frame reports is recorded as-is.
func callSite() (string, int) {
	for skip := 2; skip < 12; skip++ {
		pc, file, line, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn != nil && strings.Contains(fn.Name(), "flowtrace/") {
			continue
		}
		return file, line
	}
	return "<unknown>", 0
}
