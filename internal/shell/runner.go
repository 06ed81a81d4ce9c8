// Package shell runs commands through sh, su or the rish broker shell.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

const maxOutputInError = 512

// Result of a finished command. A non-zero ExitCode is not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r Result) Success() bool { return r.ExitCode == 0 }

// Lines returns the non-empty stdout lines.
func (r Result) Lines() []string {
	var out []string
	for _, l := range strings.Split(r.Stdout, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func (r Result) String() string {
	return fmt.Sprintf("exit code %d, stdout %q, stderr %q",
		r.ExitCode, trimOutput(r.Stdout), trimOutput(r.Stderr))
}

// Runner executes one shell command line. The error is reserved for commands
// that could not be started.
type Runner interface {
	Run(ctx context.Context, command string) (Result, error)
}

// InputRunner is a Runner that can also feed stdin to the command.
type InputRunner interface {
	Runner
	RunInput(ctx context.Context, command string, stdin io.Reader) (Result, error)
}

// ExecRunner passes the command line to Binary after Args.
type ExecRunner struct {
	Binary string
	Args   []string
}

// Sh runs commands with the privileges of this process.
func Sh() *ExecRunner { return &ExecRunner{Binary: "sh", Args: []string{"-c"}} }

// Su runs commands as root.
func Su() *ExecRunner { return &ExecRunner{Binary: "su", Args: []string{"-c"}} }

// Rish runs commands through the Shizuku broker shell.
func Rish() *ExecRunner { return &ExecRunner{Binary: "rish", Args: []string{"-c"}} }

func (r *ExecRunner) Run(ctx context.Context, command string) (Result, error) {
	return r.RunInput(ctx, command, nil)
}

func (r *ExecRunner) RunInput(ctx context.Context, command string, stdin io.Reader) (Result, error) {
	args := append(append([]string{}, r.Args...), command)
	// #nosec G204 -- binaries are fixed, command lines are built from validated input
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithFields(log.Fields{"shell": r.Binary, "command": command}).Debug("running command")
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("%s: %w", r.Binary, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, nil
}

// Available reports whether the runner's binary can be found.
func (r *ExecRunner) Available() bool {
	_, err := exec.LookPath(r.Binary)
	return err == nil
}

// IsRoot reports whether commands run by r execute as uid 0.
func IsRoot(ctx context.Context, r Runner) bool {
	res, err := r.Run(ctx, "id -u")
	if err != nil {
		log.Debugf("root check failed: %v", err)
		return false
	}
	return res.Success() && strings.TrimSpace(res.Stdout) == "0"
}

func trimOutput(out string) string {
	clean := strings.TrimSpace(out)
	if len(clean) > maxOutputInError {
		return clean[:maxOutputInError] + "..."
	}
	return clean
}
