package flow

import (
	"fmt"
	"runtime"
	"strings"
)

// safeCall runs fn, converting a panic into a behavior failure carrying the token position.
func (rt *Runtime) safeCall(e *Execution, funcName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := capturedStack()
			tokenLogger(rt.logger, e).Error("recovered from panic in %s: %v\n%s", funcName, r, stack)
			err = cloneRuntimeError(
				ErrBehaviorFailed,
				fmt.Sprintf("panic in %s: %v", funcName, r),
				panicError{value: r},
				positionFields(e),
			)
		}
	}()
	return fn()
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	if err, ok := p.value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(p.value)
}

func capturedStack() []byte {
	buf := make([]byte, 8096)
	n := runtime.Stack(buf, false)
	return cleanStackTrace(buf[:n])
}

// cleanStackTrace drops the frames above the panic call.
func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	panicLine := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLine = i
			break
		}
	}
	if panicLine >= 0 && panicLine+2 < len(lines) {
		lines = lines[panicLine+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}
