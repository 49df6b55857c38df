package camera

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// writeStubCommand creates an executable shell script standing in for the
// capture command.
func writeStubCommand(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-still")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write stub command: %v", err)
	}
	return path
}

func TestCaptureKillsHungCommand(t *testing.T) {
	cmd := writeStubCommand(t, "sleep 600")
	src := NewCommandSource("", 64, 48, cmd, 200*time.Millisecond, zaptest.NewLogger(t))

	if err := src.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	start := time.Now()
	_, err := src.Capture()
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error from a hung capture command")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want a timeout error", err)
	}
	// The shot must come back near the per-shot timeout, not hang on the
	// child's own schedule.
	if elapsed > 5*time.Second {
		t.Errorf("Capture took %s, the hung child was not killed", elapsed)
	}
}

func TestCaptureReportsCommandFailure(t *testing.T) {
	cmd := writeStubCommand(t, "echo boom >&2; exit 1")
	src := NewCommandSource("", 64, 48, cmd, 2*time.Second, zaptest.NewLogger(t))

	if err := src.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err := src.Capture()
	if err == nil {
		t.Fatal("expected an error from a failing capture command")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %q, want the child's stderr included", err)
	}
}

func TestCapturePassesCameraSelector(t *testing.T) {
	// The stub exits 1 only when the selector made it onto the command
	// line, so the exit code tells us which way the arguments went.
	cmd := writeStubCommand(t, `case "$@" in *"--camera 1"*) exit 1 ;; *) exit 2 ;; esac`)
	src := NewCommandSource("1", 64, 48, cmd, 2*time.Second, zaptest.NewLogger(t))

	if err := src.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err := src.Capture()
	if err == nil || !strings.Contains(err.Error(), "exit status 1") {
		t.Errorf("error = %v, want exit status 1 proving the selector was passed", err)
	}
}
