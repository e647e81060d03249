package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// ShellExec provides command execution capabilities.
type ShellExec struct {
	enabled        bool
	workingDir     string
	allowedCmds    []string // Empty = allow all
	deniedCmds     []string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	Enabled    bool
	WorkingDir string
	// AllowedCmds lists program names; the first word of each command
	// must be one of them. Empty allows any program.
	AllowedCmds    []string
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultShellExecConfig returns safe defaults.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		Enabled: false,
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:", // Fork bomb
		},
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 100 * 1024,
	}
}

// NewShellExec creates a new shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return &ShellExec{
		enabled:        cfg.Enabled,
		workingDir:     cfg.WorkingDir,
		allowedCmds:    cfg.AllowedCmds,
		deniedCmds:     cfg.DeniedCmds,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// String renders the result for the model.
func (r *ExecResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", r.ExitCode)
	if r.TimedOut {
		b.WriteString("timed out\n")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	if r.Stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", strings.TrimRight(r.Stdout, "\n"))
	}
	if r.Stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", strings.TrimRight(r.Stderr, "\n"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// checkAllowed applies the denied patterns and the program allowlist.
func (s *ShellExec) checkAllowed(command string) error {
	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}
	if len(s.allowedCmds) == 0 {
		return nil
	}

	p := shellwords.NewParser()
	check := true
	for rest := command; strings.TrimSpace(rest) != ""; {
		args, err := p.Parse(rest)
		if err != nil {
			return fmt.Errorf("parse command: %w", err)
		}
		if check && len(args) > 0 {
			prog := filepath.Base(args[0])
			if !slices.Contains(s.allowedCmds, prog) {
				return fmt.Errorf("command %q not in allowlist", prog)
			}
		}

		// Parse stops at the first unquoted separator or redirection.
		// Position counts runes.
		runes := []rune(rest)
		if p.Position < 0 || p.Position >= len(runes) {
			break
		}
		sep := runes[p.Position]
		rest = string(runes[p.Position+1:])
		if sep == '<' || sep == '>' {
			// The next word is a file, not a program.
			check = false
			rest = strings.TrimLeft(rest, ">&")
		} else {
			check = true
			rest = strings.TrimLeft(rest, "|&")
		}
	}
	return nil
}

// Exec executes a shell command.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, fmt.Errorf("shell execution is disabled")
	}
	if err := s.checkAllowed(command); err != nil {
		return nil, err
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}
	return result, nil
}

// Register adds terminal_run to r. A non-zero exit code is a tool
// failure so reflection sees it.
func (s *ShellExec) Register(r *Registry) {
	r.Register(&Tool{
		Name:        "terminal_run",
		Description: "Run a shell command in the workspace and return its exit code and output.",
		Params:      []string{"command", "timeout_sec"},
		Handler: func(ctx context.Context, args map[string]any) (Output, error) {
			command, err := requireString(args, "command")
			if err != nil {
				return Output{}, err
			}
			timeout, err := argInt(args, "timeout_sec")
			if err != nil {
				return Output{}, err
			}
			res, err := s.Exec(ctx, command, timeout)
			if err != nil {
				return Output{}, err
			}
			if res.ExitCode != 0 {
				return Output{}, errors.New(res.String())
			}
			return Output{Content: res.String()}, nil
		},
	})
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
