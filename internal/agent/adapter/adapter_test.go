package adapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgebase/taskcore/internal/platform/config"
	"github.com/forgebase/taskcore/internal/platform/logging"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logging.Logger {
	log, err := logging.New(logging.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return log
}

// writeFakeVendor writes an executable shell script that emits one
// line-delimited JSON event stream, standing in for a vendor CLI.
func writeFakeVendor(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-vendor.sh")
	script := "#!/bin/sh\ncat >/dev/null\n"
	for _, l := range lines {
		script += "echo '" + l + "'\n"
	}
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake vendor: %v", err)
	}
	return path
}

func TestSendHappyPathEmitsCompletedAndThreadID(t *testing.T) {
	bin := writeFakeVendor(t,
		`{"type":"system","thread_id":"thread-1"}`,
		`{"type":"message","role":"assistant","text":"hello there"}`,
		`{"type":"completion","usage":{"input_tokens":3,"output_tokens":5}}`,
	)
	a := New("droid", bin, config.AgentConfig{CancelGraceMS: 200}, newTestLogger(t))

	var seen []v1.AgentEventType
	unsub := a.OnEvent(func(e v1.AgentEvent) { seen = append(seen, e.Type) })
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := a.Send(ctx, SendInput{Text: "do the thing"}, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Response != "hello there" {
		t.Fatalf("expected response %q, got %q", "hello there", result.Response)
	}
	if result.AgentID != "thread-1" {
		t.Fatalf("expected thread id thread-1, got %q", result.AgentID)
	}
	if result.Usage == nil || result.Usage.InputTokens != 3 || result.Usage.OutputTokens != 5 {
		t.Fatalf("expected usage 3/5, got %+v", result.Usage)
	}

	foundThreadStarted, foundResponding, foundCompleted := false, false, false
	for _, ty := range seen {
		switch ty {
		case v1.EventThreadStarted:
			foundThreadStarted = true
		case v1.EventResponding:
			foundResponding = true
		case v1.EventCompleted:
			foundCompleted = true
		}
	}
	if !foundThreadStarted || !foundResponding || !foundCompleted {
		t.Fatalf("expected thread.started+responding+completed in %v", seen)
	}
}

func TestSendFailureSurfacesStreamErrorMessage(t *testing.T) {
	// An error event alone does not fail a run that exits 0, so this fake
	// vendor exits non-zero after emitting one; the stream error is then
	// the best available failure message.
	bin := filepath.Join(t.TempDir(), "fake-vendor.sh")
	script := "#!/bin/sh\ncat >/dev/null\necho '{\"type\":\"error\",\"message\":\"boom\"}'\nexit 2\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake vendor: %v", err)
	}
	a := New("droid", bin, config.AgentConfig{CancelGraceMS: 200}, newTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Send(ctx, SendInput{Text: "x"}, SendOptions{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected failure message to carry the stream error, got %v", err)
	}
}

func TestCheckAllowedRejectsPathSeparatorsAndUnlisted(t *testing.T) {
	if err := checkAllowed([]string{"droid"}, "droid"); err != nil {
		t.Fatalf("expected allowed basename to pass, got %v", err)
	}
	if err := checkAllowed([]string{"droid"}, "/usr/bin/droid"); err == nil {
		t.Fatal("expected path separator to be rejected under an active allow-list")
	}
	if err := checkAllowed([]string{"droid"}, "gemini"); err == nil {
		t.Fatal("expected unlisted basename to be rejected")
	}
	if err := checkAllowed(nil, "/usr/bin/anything"); err != nil {
		t.Fatalf("expected no allow-list to permit anything, got %v", err)
	}
}

func TestBuildArgsIncludesResumeAndSandbox(t *testing.T) {
	a := New("droid", "droid", config.AgentConfig{}, newTestLogger(t))
	args := a.buildArgs("thread-9", SendOptions{Model: "gpt-x", ReadOnlySandbox: true})
	joined := ""
	for _, arg := range args {
		joined += arg + " "
	}
	for _, want := range []string{"--json", "--skip-git-repo-check", "--model", "gpt-x", "--sandbox", "read-only", "resume", "thread-9"} {
		if !contains(args, want) {
			t.Fatalf("expected arg %q in %v (joined: %s)", want, args, joined)
		}
	}
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
