package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/outpost/internal/command"
	"github.com/mattjoyce/outpost/internal/runner"
)

func (d *Dispatcher) registerShell() {
	d.Register("execute_command", handler{
		validate: d.validateExecute,
		execute:  d.executeCommand,
	})
}

func (d *Dispatcher) validateExecute(req command.Request) error {
	if err := requireArg("No command string provided to execute.")(req); err != nil {
		return err
	}
	if !d.deps.Settings.ExecuteEnabled {
		return command.NewValidationError("Arbitrary command execution is disabled on this agent.")
	}
	if !allowed(req.Arg(), d.deps.Settings.ExecuteAllow) {
		return command.NewValidationError(fmt.Sprintf("Command not permitted: '%s'", firstWord(req.Arg())))
	}
	return nil
}

// shellMeta are the characters that let a script chain or substitute commands
// past an allow-listed prefix.
const shellMeta = ";&|`$()<>\n"

// allowed reports whether script starts with one of the allow-list prefixes on a
// word boundary. An empty list allows everything. A non-empty list also rejects
// any shell metacharacter.
func allowed(script string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	if strings.ContainsAny(script, shellMeta) {
		return false
	}
	for _, prefix := range allow {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if script == prefix {
			return true
		}
		if rest, ok := strings.CutPrefix(script, prefix); ok && (rest[0] == ' ' || rest[0] == '\t') {
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return s
}

// executeCommand runs the argument through the shell and returns its raw output.
func (d *Dispatcher) executeCommand(ctx context.Context, req command.Request) command.Result {
	script := *req.Argument
	timeout := d.deps.Settings.ExecuteTimeout

	out, err := d.deps.Runner.Run(ctx, runner.WithTimeout(runner.Shell(script), timeout))
	if err != nil {
		if runner.IsNotFound(err) {
			return command.FromError(command.NewValidationError(fmt.Sprintf("Command not found: '%s'", firstWord(script))))
		}
		return command.FromError(command.NewUnexpectedError(fmt.Sprintf("Error executing command: %v", err), err))
	}
	if out.TimedOut {
		return command.FromError(stopped(ctx, "Command", timeout).WithDetails(map[string]any{
			"stdout": strings.TrimSpace(out.Stdout),
			"stderr": strings.TrimSpace(out.Stderr),
		}))
	}

	return command.Success(map[string]any{
		"command_executed": script,
		"stdout":           strings.TrimSpace(out.Stdout),
		"stderr":           strings.TrimSpace(out.Stderr),
		"return_code":      out.ExitCode,
	})
}
