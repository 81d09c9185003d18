package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/outpost/internal/log"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/outpost/internal/runner Runner

const (
	// maxOutputBytes caps each of stdout and stderr.
	maxOutputBytes = 64 * 1024

	// defaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	defaultGracePeriod = 2 * time.Second

	defaultShell = "/bin/sh"
)

// ErrInvalidSpec is returned when a Spec names neither or both invocation forms.
var ErrInvalidSpec = errors.New("exactly one of argv or shell must be set")

// Spec describes one process invocation.
type Spec struct {
	Argv    []string
	Shell   string
	Timeout time.Duration // zero means no timeout
	Env     []string
}

// Argv returns an argv-style Spec.
func Argv(args ...string) Spec {
	return Spec{Argv: args}
}

// Shell returns a Spec that runs script through the runner's shell.
func Shell(script string) Spec {
	return Spec{Shell: script}
}

// WithTimeout returns a copy of spec bounded by d.
func WithTimeout(spec Spec, d time.Duration) Spec {
	spec.Timeout = d
	return spec
}

func (s Spec) String() string {
	if s.Shell != "" {
		return s.Shell
	}
	return strings.Join(s.Argv, " ")
}

// Outcome is the captured result of a finished (or terminated) process.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	PID      int
	Duration time.Duration
}

// Succeeded reports a zero exit within the deadline.
func (o Outcome) Succeeded() bool {
	return !o.TimedOut && o.ExitCode == 0
}

// NotFoundError means the executable could not be located.
type NotFoundError struct {
	Name string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("executable not found: %s", e.Name)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Runner executes a single OS process per call. Implementations never retry.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Outcome, error)
	LookPath(name string) (string, error)
}

// OSRunner runs processes on the local host.
type OSRunner struct {
	shell  string
	grace  time.Duration
	logger *slog.Logger
}

// Option configures an OSRunner.
type Option func(*OSRunner)

// WithShell sets the interpreter used for Shell specs.
func WithShell(path string) Option {
	return func(r *OSRunner) {
		if path != "" {
			r.shell = path
		}
	}
}

// WithGracePeriod sets the SIGTERM to SIGKILL delay.
func WithGracePeriod(d time.Duration) Option {
	return func(r *OSRunner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *OSRunner) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an OSRunner.
func New(opts ...Option) *OSRunner {
	r := &OSRunner{
		shell:  defaultShell,
		grace:  defaultGracePeriod,
		logger: log.WithComponent("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// sbinDirs are searched after PATH, which often omits them for unprivileged users.
var sbinDirs = []string{"/usr/local/sbin", "/usr/sbin", "/sbin"}

// LookPath resolves name against PATH, then sbinDirs.
func (r *OSRunner) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err == nil {
		return path, nil
	}
	if !strings.ContainsRune(name, os.PathSeparator) {
		for _, dir := range sbinDirs {
			if p, serr := exec.LookPath(filepath.Join(dir, name)); serr == nil {
				return p, nil
			}
		}
	}
	return "", &NotFoundError{Name: name, Err: err}
}

// Run spawns the process described by spec and waits for it.
//
// A non-zero exit is reported through Outcome.ExitCode, not as an error. Errors are
// returned only when the process could not be started. When the timeout expires (or
// ctx is done) the whole process group gets SIGTERM, then SIGKILL after the grace
// period, and the child is always reaped before Run returns.
func (r *OSRunner) Run(ctx context.Context, spec Spec) (Outcome, error) {
	argv, err := r.argv(spec)
	if err != nil {
		return Outcome{}, err
	}

	path, err := r.LookPath(argv[0])
	if err != nil {
		return Outcome{}, err
	}

	cmd := exec.Command(path, argv[1:]...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// Own process group so the whole tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCappedBuffer(maxOutputBytes)
	stderr := newCappedBuffer(maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Background grandchildren may hold the pipes open after the leader exits.
	cmd.WaitDelay = r.grace

	r.logger.Debug("spawning process", "cmd", spec.String(), "timeout", spec.Timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return Outcome{}, &NotFoundError{Name: argv[0], Err: err}
		}
		return Outcome{}, fmt.Errorf("start process: %w", err)
	}
	pid := cmd.Process.Pid

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	out := Outcome{PID: pid}

	select {
	case err := <-waitErr:
		out.Duration = time.Since(start)
		out.Stdout = stdout.String()
		out.Stderr = stderr.String()
		code, werr := exitCode(cmd, err)
		out.ExitCode = code
		if werr != nil {
			return out, fmt.Errorf("wait for process: %w", werr)
		}
		if code != 0 {
			r.logger.Debug("process exited with non-zero status", "cmd", spec.String(), "exit_code", code)
		}
		return out, nil

	case <-timeoutC:
		r.logger.Warn("process timed out, terminating process group", "cmd", spec.String(), "pid", pid, "timeout", spec.Timeout)
	case <-ctx.Done():
		r.logger.Warn("context done, terminating process group", "cmd", spec.String(), "pid", pid, "error", ctx.Err())
	}

	r.terminate(pid, waitErr)
	out.Duration = time.Since(start)
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	out.ExitCode = -1
	out.TimedOut = true
	return out, nil
}

// terminate signals the process group led by pid and blocks until the leader is reaped.
func (r *OSRunner) terminate(pid int, waitErr <-chan error) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Error("failed to send SIGTERM", "pid", pid, "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		r.logger.Info("process exited after SIGTERM", "pid", pid)
	case <-grace.C:
		r.logger.Warn("process did not exit after SIGTERM, sending SIGKILL", "pid", pid)
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			r.logger.Error("failed to send SIGKILL", "pid", pid, "error", err)
		}
		<-waitErr
	}

	// Group members that ignored SIGTERM outlive the leader.
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func (r *OSRunner) argv(spec Spec) ([]string, error) {
	hasArgv := len(spec.Argv) > 0 && spec.Argv[0] != ""
	hasShell := strings.TrimSpace(spec.Shell) != ""
	switch {
	case hasArgv && !hasShell:
		return spec.Argv, nil
	case hasShell && !hasArgv:
		return []string{r.shell, "-c", spec.Shell}, nil
	default:
		return nil, ErrInvalidSpec
	}
}

// exitCode extracts the exit status. The returned error is non-nil only when the
// wait itself failed.
func exitCode(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}
