// Package workspace applies parsed model output to disk: confined file
// writes and sequential command execution under the workspace root.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"conductor/internal/bus"
	"conductor/internal/logging"
	"conductor/internal/parser"
)

const (
	// commandTimeout is the wall-clock cap per command.
	commandTimeout = 120 * time.Second

	// Output tails kept per command.
	successTail = 500
	failureTail = 300
)

// Outcome reports one executed command.
type Outcome struct {
	Cwd     string
	Command string
	Success bool
	Output  string
}

// Executor confines all side effects to a single root directory.
type Executor struct {
	root   string
	bus    *bus.Bus
	logger logging.Logger
}

// NewExecutor resolves and creates the workspace root.
func NewExecutor(root string, b *bus.Bus, logger logging.Logger) (*Executor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Executor{root: abs, bus: b, logger: logging.OrNop(logger)}, nil
}

// Root returns the absolute workspace root.
func (e *Executor) Root() string {
	return e.root
}

// resolve maps a model-supplied relative path into the root. ok is false when
// the cleaned path escapes, including via absolute paths or leading "..".
func (e *Executor) resolve(rel string) (abs string, clean string, ok bool) {
	abs = filepath.Join(e.root, filepath.Clean("/"+rel))
	clean, err := filepath.Rel(e.root, abs)
	if err != nil || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", false
	}
	// Join with a rooted clean path cannot escape, but a raw absolute or
	// dot-dot input signals intent and is rejected outright.
	input := filepath.Clean(rel)
	if filepath.IsAbs(input) || input == ".." || strings.HasPrefix(input, ".."+string(filepath.Separator)) {
		return "", "", false
	}
	return abs, clean, true
}

// WriteFiles applies each file intent under the root and returns the written
// relative paths. Escaping paths are dropped with an activity event rather
// than failing the task.
func (e *Executor) WriteFiles(agentID string, files []parser.FileIntent) ([]string, error) {
	var written []string
	for _, f := range files {
		abs, rel, ok := e.resolve(f.Path)
		if !ok {
			e.logger.Warn("rejected file path escaping workspace: %q", f.Path)
			e.bus.Publish(agentID, bus.EventExecRejectedPath, fmt.Sprintf("rejected path %q", f.Path))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return written, fmt.Errorf("create parent for %s: %w", rel, err)
		}
		if err := os.WriteFile(abs, []byte(f.Content), 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", rel, err)
		}
		written = append(written, rel)
		e.bus.Publish(agentID, bus.EventFileWritten, rel)
	}
	return written, nil
}

// RunCommands executes the intents sequentially in emission order. A failed
// command does not stop the ones after it; each outcome stands alone.
func (e *Executor) RunCommands(ctx context.Context, agentID string, cmds []parser.CommandIntent) []Outcome {
	outcomes := make([]Outcome, 0, len(cmds))
	for _, c := range cmds {
		outcome := e.runOne(ctx, c)
		if outcome.Success {
			e.bus.Publish(agentID, bus.EventExecDone, fmt.Sprintf("ok: %s", c.Command))
		} else {
			e.bus.Publish(agentID, bus.EventExecFailed, fmt.Sprintf("failed: %s", c.Command))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (e *Executor) runOne(ctx context.Context, c parser.CommandIntent) Outcome {
	outcome := Outcome{Cwd: c.Cwd, Command: c.Command}

	dir, _, ok := e.resolve(c.Cwd)
	if !ok {
		outcome.Output = fmt.Sprintf("cwd %q escapes the workspace", c.Cwd)
		return outcome
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		outcome.Output = fmt.Sprintf("create cwd: %v", err)
		return outcome
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var combined bytes.Buffer
	cmd := exec.Command("sh", "-c", c.Command)
	cmd.Dir = dir
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	// A fresh process group lets the timeout kill the whole command tree,
	// not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		outcome.Output = fmt.Sprintf("start: %v", err)
		return outcome
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		runErr = fmt.Errorf("timed out after %s", commandTimeout)
	}

	if runErr != nil {
		outcome.Output = tail(combined.Bytes(), failureTail)
		if outcome.Output == "" {
			outcome.Output = runErr.Error()
		}
		e.logger.Debug("command failed in %s: %s: %v", dir, c.Command, runErr)
		return outcome
	}
	outcome.Success = true
	outcome.Output = tail(combined.Bytes(), successTail)
	return outcome
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
