package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/outpost/internal/command"
	"github.com/mattjoyce/outpost/internal/runner"
)

// aptEnv keeps apt from prompting.
var aptEnv = []string{"DEBIAN_FRONTEND=noninteractive"}

func (d *Dispatcher) registerPrivileged() {
	d.Register("update_system", handler{execute: d.updateSystem})
	d.Register("reboot_pi", handler{execute: d.powerAction("Reboot", "reboot", "Reboot command sent.", "reboot")})
	d.Register("shutdown_pi", handler{execute: d.powerAction("Shutdown", "shutdown", "Shutdown command sent.", "shutdown", "now")})
}

// step describes one privileged invocation and how to word its failures.
type step struct {
	label    string // capitalized, used in failure messages
	notFound string
	argv     []string
	timeout  time.Duration
	env      []string
}

// runStep executes s once. Failures come back as *command.Error.
//
// The prefix binary and the target binary are resolved before anything runs, and
// each missing one is reported by its own name.
func (d *Dispatcher) runStep(ctx context.Context, s step) (runner.Outcome, error) {
	if prefix := d.deps.Settings.PrivilegePrefix; len(prefix) > 0 {
		if _, err := d.deps.Runner.LookPath(prefix[0]); err != nil {
			msg := fmt.Sprintf("%s command not found. Privileged commands need it on PATH.", prefix[0])
			return runner.Outcome{}, command.NewNotFoundError(msg, err)
		}
	}
	if _, err := d.deps.Runner.LookPath(s.argv[0]); err != nil {
		return runner.Outcome{}, command.NewNotFoundError(s.notFound, err)
	}

	out, err := d.deps.Runner.Run(ctx, runner.Spec{
		Argv:    d.privileged(s.argv...),
		Timeout: s.timeout,
		Env:     s.env,
	})
	if err != nil {
		if runner.IsNotFound(err) {
			return out, command.NewNotFoundError(s.notFound, err)
		}
		return out, command.NewUnexpectedError(fmt.Sprintf("An unexpected error occurred during %s: %v", strings.ToLower(s.label), err), err)
	}
	if out.TimedOut {
		return out, stopped(ctx, s.label, s.timeout).WithDetails(outputDetails(out))
	}
	if out.ExitCode != 0 {
		msg := fmt.Sprintf("%s failed: %s", s.label, strings.TrimSpace(out.Stderr))
		return out, command.NewExecutionError(msg, fmt.Errorf("exit status %d", out.ExitCode)).WithDetails(outputDetails(out))
	}
	return out, nil
}

// stopped words a killed process. The runner reports both a timeout and a
// cancelled ctx as TimedOut, so ctx decides which one it was.
func stopped(ctx context.Context, label string, timeout time.Duration) *command.Error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		return &command.Error{
			Kind:    command.Timeout,
			Message: fmt.Sprintf("%s cancelled before it finished: %v", label, cause),
			Err:     cause,
		}
	}
	return command.NewTimeoutError(fmt.Sprintf("%s timed out after %s", label, timeout))
}

func outputDetails(out runner.Outcome) map[string]any {
	return map[string]any{
		"details":     strings.TrimSpace(out.Stdout),
		"return_code": out.ExitCode,
	}
}

func (d *Dispatcher) updateSystem(ctx context.Context, _ command.Request) command.Result {
	const aptMissing = "apt command not found. This command is for Debian/Ubuntu based systems."
	timeout := d.deps.Settings.UpdateTimeout

	var update strings.Builder
	for _, argv := range [][]string{{"apt-get", "update"}, {"apt-get", "upgrade", "-y"}} {
		out, err := d.runStep(ctx, step{label: "System update", notFound: aptMissing, argv: argv, timeout: timeout, env: aptEnv})
		if err != nil {
			return command.FromError(err)
		}
		update.WriteString(out.Stdout)
	}

	autoremove, err := d.runStep(ctx, step{label: "System autoremove", notFound: aptMissing, argv: []string{"apt-get", "autoremove", "-y"}, timeout: timeout, env: aptEnv})
	if err != nil {
		return command.FromError(err)
	}

	return command.Success(map[string]any{
		"message":           "System update initiated and completed.",
		"update_output":     update.String(),
		"autoremove_output": autoremove.Stdout,
	})
}

func (d *Dispatcher) powerAction(label, binary, sent string, argv ...string) func(context.Context, command.Request) command.Result {
	return func(ctx context.Context, _ command.Request) command.Result {
		d.logger.Warn("executing power command", "cmd", strings.Join(argv, " "))
		_, err := d.runStep(ctx, step{
			label:    label,
			notFound: binary + " command not found.",
			argv:     argv,
			timeout:  d.deps.Settings.PowerTimeout,
		})
		if err != nil {
			return command.FromError(err)
		}
		return command.Success(map[string]any{"message": sent})
	}
}
