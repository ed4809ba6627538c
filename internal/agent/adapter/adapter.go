// Package adapter implements AgentAdapter (spec §4.4): spawns a vendor CLI
// as a subprocess, feeds it the prompt on stdin, and turns its JSON event
// stream into the normalized AgentEvent vocabulary via an
// internal/agent/parser.Parser, fanning out to subscribers as it goes.
package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/forgebase/taskcore/internal/agent/parser"
	"github.com/forgebase/taskcore/internal/apperr"
	"github.com/forgebase/taskcore/internal/platform/config"
	"github.com/forgebase/taskcore/internal/platform/logging"
	"github.com/forgebase/taskcore/internal/telemetry"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// Status reports readiness/streaming state (spec §4.4).
type Status struct {
	Ready     bool
	Streaming bool
}

// StreamingConfig is returned by getStreamingConfig (spec §4.4).
type StreamingConfig struct {
	Enabled    bool
	ThrottleMS int
}

// SendInput is either a single prompt or an ordered sequence of parts
// joined by newline (spec §4.4).
type SendInput struct {
	Text  string
	Parts []string
}

func (in SendInput) compose() string {
	if len(in.Parts) > 0 {
		return strings.Join(in.Parts, "\n")
	}
	return in.Text
}

// SendOptions carries the per-send model override and sandbox flag.
type SendOptions struct {
	Model           string
	ReadOnlySandbox bool
}

// SendResult is the adapter's `send` return shape (spec §4.4).
type SendResult struct {
	Response string
	Usage    *v1.Usage
	AgentID  string
}

// Subscriber receives every AgentEvent emitted by any in-flight send, in
// enqueue order (spec §4.4).
type Subscriber func(v1.AgentEvent)

// Adapter is one AgentAdapter instance bound to a single vendor binary.
// Each Task gets its own Adapter instance, shared by all of its steps, so
// thread-id resume state never leaks across tasks.
type Adapter struct {
	vendor  string
	binPath string
	cfg     config.AgentConfig
	log     *logging.Logger

	mu        sync.Mutex
	threadID  string
	streaming bool
	subs      map[int]Subscriber
	nextSubID int
}

// New constructs an adapter for one vendor. binPath is resolved by the
// caller from config.AgentConfig.BinPaths.
func New(vendor, binPath string, cfg config.AgentConfig, log *logging.Logger) *Adapter {
	return &Adapter{
		vendor:  vendor,
		binPath: binPath,
		cfg:     cfg,
		log:     log.WithAgentID(vendor),
		subs:    map[int]Subscriber{},
	}
}

// OnEvent registers a subscriber and returns an unsubscribe func.
func (a *Adapter) OnEvent(sub Subscriber) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextSubID
	a.nextSubID++
	a.subs[id] = sub
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

func (a *Adapter) publish(ev v1.AgentEvent) {
	a.mu.Lock()
	subs := make([]Subscriber, 0, len(a.subs))
	for _, s := range a.subs {
		subs = append(subs, s)
	}
	a.mu.Unlock()
	for _, s := range subs {
		s(ev)
	}
}

// Status reports current readiness.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{Ready: a.binPath != "", Streaming: a.streaming}
}

// Reset clears any resumable thread id.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.threadID = ""
	a.mu.Unlock()
}

// SetThreadID seeds the adapter's resumable thread id, e.g. when resuming a
// task whose threadId was persisted by a prior Adapter instance.
func (a *Adapter) SetThreadID(id string) {
	a.mu.Lock()
	a.threadID = id
	a.mu.Unlock()
}

// GetStreamingConfig reports the adapter's delta-throttling behavior. The
// core never throttles; vendors reporting coarse-grained deltas already do.
func (a *Adapter) GetStreamingConfig() StreamingConfig {
	return StreamingConfig{Enabled: true, ThrottleMS: 0}
}

// wantsTTY reports whether vendor is configured to require a pseudo
// terminal rather than plain pipes. Spec §4.4 step 2 describes plain
// stdin/stdout/stderr pipes as the default; this is an opt-in escape
// hatch for vendor CLIs that refuse to run non-interactively.
func (a *Adapter) wantsTTY() bool {
	for _, v := range a.cfg.TTYVendors {
		if v == a.vendor {
			return true
		}
	}
	return false
}

// checkAllowed enforces the optional command allow-list (spec §4.4, §6.3).
func checkAllowed(allowlist []string, binPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	base := filepath.Base(binPath)
	if base != binPath {
		// An allow-list is active and the command string carries a path
		// separator: refuse regardless of basename match.
		return apperr.Validation("agent adapter: command %q contains a path separator while an allow-list is active", binPath)
	}
	for _, allowed := range allowlist {
		if allowed == base {
			return nil
		}
	}
	return apperr.Validation("agent adapter: command %q is not on the allow-list", binPath)
}

// Send spawns the vendor CLI, writes the composed prompt, and streams its
// parsed events to subscribers, returning the final result once the
// subprocess exits (spec §4.4 steps 1-5).
func (a *Adapter) Send(ctx context.Context, in SendInput, opts SendOptions) (result SendResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanAdapterSend,
		attribute.String(telemetry.AttrVendor, a.vendor),
	)
	defer func() { telemetry.End(span, err) }()

	if err = checkAllowed(a.cfg.ExecAllowlist, a.binPath); err != nil {
		return SendResult{}, err
	}

	a.mu.Lock()
	resumeThreadID := a.threadID
	a.streaming = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.streaming = false
		a.mu.Unlock()
	}()

	prompt := in.compose()

	result, err = a.runOnce(ctx, prompt, opts, resumeThreadID)
	if err != nil && resumeThreadID != "" && isResumeMismatch(err) {
		// Step 1: transparently retry once without the resume clause.
		a.log.Warn("agent adapter: resume mismatch, retrying without resume")
		a.Reset()
		result, err = a.runOnce(ctx, prompt, opts, "")
	}
	return result, err
}

func isResumeMismatch(err error) bool {
	return apperr.Is(err, apperr.KindAdapterFailure) && strings.Contains(err.Error(), "resume")
}

// runOnce performs exactly one subprocess lifecycle: build args, spawn,
// stream stdout, wait for close, classify the outcome.
func (a *Adapter) runOnce(ctx context.Context, prompt string, opts SendOptions, resumeThreadID string) (SendResult, error) {
	args := a.buildArgs(resumeThreadID, opts)
	p := parser.New(a.vendor)

	cmd := exec.Command(a.binPath, args...)
	setProcAttrs(cmd)

	var stdin io.WriteCloser
	var stdout io.Reader
	var stderrBuf bytes.Buffer

	if a.wantsTTY() {
		master, err := startPTY(cmd)
		if err != nil {
			return SendResult{}, apperr.AdapterFailure("agent adapter: pty spawn", err)
		}
		defer master.Close()
		stdin, stdout = master, master
	} else {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return SendResult{}, apperr.AdapterFailure("agent adapter: stdin pipe", err)
		}
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return SendResult{}, apperr.AdapterFailure("agent adapter: stdout pipe", err)
		}
		cmd.Stderr = &stderrBuf

		if err := cmd.Start(); err != nil {
			return SendResult{}, apperr.AdapterFailure("agent adapter: spawn", err)
		}
	}

	a.publish(v1.AgentEvent{Type: v1.EventBoot})

	if _, err := io.WriteString(stdin, prompt); err != nil {
		a.log.Warn("agent adapter: stdin write failed", zap.Error(err))
	}
	if !a.wantsTTY() {
		_ = stdin.Close()
	}

	var cancelled atomic.Bool
	done := make(chan struct{})
	go a.watchCancellation(ctx, cmd, done, &cancelled)

	var responseText, streamError, threadID string
	var usage *v1.Usage
	turnFailed := false

	maxBytes := a.cfg.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	var consumed int64

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line))
		if consumed > maxBytes {
			continue
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			continue
		}
		events := p.ParseLine(payload)
		for _, raw := range events {
			translated, ok := translate(raw)
			if ok {
				a.publish(translated)
			}
			switch raw.Type {
			case v1.EventThreadStarted:
				if raw.ThreadID != "" {
					threadID = raw.ThreadID
				}
			case v1.EventTurnCompleted:
				usage = raw.Usage
			case v1.EventTurnFailed:
				turnFailed = true
				streamError = raw.Message
			case v1.EventError:
				streamError = raw.Message
			}
		}
		if text := p.GetFinalMessage(); text != "" {
			responseText = text
		}
		if e := p.GetLastError(); e != "" {
			streamError = e
		}
	}

	waitErr := cmd.Wait()
	close(done)

	if cancelled.Load() {
		return SendResult{}, apperr.Cancelled("agent adapter: cancelled")
	}

	if sid := p.GetSessionID(); sid != "" {
		threadID = sid
	}
	if threadID != "" {
		a.mu.Lock()
		a.threadID = threadID
		a.mu.Unlock()
	}

	if waitErr != nil || turnFailed {
		msg := firstNonEmpty(streamError, strings.TrimSpace(stderrBuf.String()), exitMessage(waitErr))
		return SendResult{AgentID: threadID}, apperr.AdapterFailure(msg, waitErr)
	}

	return SendResult{Response: responseText, Usage: usage, AgentID: threadID}, nil
}

func exitMessage(err error) string {
	if err == nil {
		return "exited with code 0"
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Sprintf("exited with code %d", exitErr.ExitCode())
	}
	return err.Error()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "agent adapter: unknown failure"
}

// watchCancellation sends SIGTERM on ctx cancellation, escalating to
// SIGKILL after the configured grace period (spec §4.4, §4.5).
func (a *Adapter) watchCancellation(ctx context.Context, cmd *exec.Cmd, done chan struct{}, cancelled *atomic.Bool) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	if cmd.Process == nil {
		return
	}
	cancelled.Store(true)
	signalGroup(cmd, sigTerm)

	grace := time.Duration(a.cfg.CancelGraceMS) * time.Millisecond
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		signalGroup(cmd, sigKill)
	}
}

// buildArgs constructs the vendor command line (spec §4.4 step 1, §6.3).
func (a *Adapter) buildArgs(resumeThreadID string, opts SendOptions) []string {
	args := []string{"--json", "--skip-git-repo-check"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ReadOnlySandbox {
		args = append(args, "--sandbox", "read-only")
	}
	if resumeThreadID != "" {
		args = append(args, "resume", resumeThreadID)
	}
	return args
}
