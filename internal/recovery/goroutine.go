// Package recovery keeps background goroutines from taking the server down.
package recovery

import (
	"runtime/debug"

	"github.com/hivedev/hive/internal/logger"
)

// SafeGo runs fn on its own goroutine, logging any panic instead of crashing
// the process.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Panic recovered in goroutine %q: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}

// SafeGoWithCleanup is SafeGo with a cleanup that runs whether or not fn
// panicked.
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if cleanup != nil {
				cleanup()
			}
			if r := recover(); r != nil {
				logger.Errorf("Panic recovered in goroutine %q: %v\n%s", name, r, debug.Stack())
			}
		}()
		fn()
	}()
}
