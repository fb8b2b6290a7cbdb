package optimizer

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain guards the sweep loop's stop/done goroutine and the Tool
// Registry's fsnotify watcher goroutine (both exercised by this package's
// tests) against leaking past Stop()/Close(). Grounded on the teacher's
// internal/core/kernel_test.go TestMain.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionResetter"),
	)
}
