package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op
	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestTagged(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	logf := Tagged("replay")
	logf("frame %d", 7)

	// Swapping the logger after Tagged is created still takes effect.
	var late []string
	SetLogger(func(format string, v ...interface{}) {
		late = append(late, fmt.Sprintf(format, v...))
	})
	logf("done")

	if len(lines) != 1 || lines[0] != "[replay] frame 7" {
		t.Errorf("lines = %q, want [\"[replay] frame 7\"]", lines)
	}
	if len(late) != 1 || late[0] != "[replay] done" {
		t.Errorf("late = %q, want [\"[replay] done\"]", late)
	}
}
