package config_test

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/louisbranch/story-engine/internal/platform/config"
)

// Exitf calls os.Exit, so it runs in a child test process and the parent
// asserts on the exit code and stderr.
func TestExitf(t *testing.T) {
	if os.Getenv("STORY_ENGINE_EXITF_CHILD") == "1" {
		config.Exitf("boom: %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitf$")
	cmd.Env = append(os.Environ(), "STORY_ENGINE_EXITF_CHILD=1")
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(string(out), "boom: 42") {
		t.Fatalf("expected message in output, got %q", string(out))
	}
}
