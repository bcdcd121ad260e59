// Package testutil holds helpers shared by package tests.
package testutil

import (
	"runtime"
	"testing"
	"time"
)

// AssertGoroutinesSettle fails t if the goroutine count does not fall back
// to within margin of baseline before timeout. Take the baseline with
// runtime.NumGoroutine before starting the component under test.
func AssertGoroutinesSettle(t testing.TB, baseline, margin int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		current := runtime.NumGoroutine()
		if current <= baseline+margin {
			return
		}
		if time.Now().After(deadline) {
			t.Errorf("goroutine leak: baseline=%d, current=%d, margin=%d", baseline, current, margin)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
