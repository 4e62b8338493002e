package infra

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GoRecoverable runs f and restarts it in a fresh goroutine after a
// panic, at most maxPanics times. A negative maxPanics restarts without
// limit; at zero the process exits.
func GoRecoverable(maxPanics int, id string, f func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.WithFields(log.Fields{
			"job":    id,
			"origin": IdentifyPanic(),
		}).Errorf("recovered from panic: %v", r)

		if maxPanics == 0 {
			log.Fatalf("panics limit exceeded for job %q, exiting", id)
		}
		if maxPanics > 0 {
			maxPanics--
		}
		go GoRecoverable(maxPanics, id, f)
	}()
	f()
}

// IdentifyPanic names the first non-runtime frame of the panicking
// stack, as "func:line" or "file:line".
func IdentifyPanic() string {
	var name, file string
	var line int
	var pc [16]uintptr

	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			break
		}
	}

	switch {
	case name != "":
		return fmt.Sprintf("%v:%v", name, line)
	case file != "":
		return fmt.Sprintf("%v:%v", file, line)
	}

	return fmt.Sprintf("pc:%x", pc)
}
