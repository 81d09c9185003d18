package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/outpost/internal/command"
	"github.com/mattjoyce/outpost/internal/lookup"
	"github.com/mattjoyce/outpost/internal/runner"
)

const speedtestMissing = "speedtest or apt command not found. Ensure they are in PATH and speedtest is installed."

func (d *Dispatcher) registerNetwork() {
	d.Register("run_speedtest", handler{execute: d.runSpeedtest})
	d.Register("trace_location", handler{execute: d.traceLocation})
}

func (d *Dispatcher) runSpeedtest(ctx context.Context, _ command.Request) command.Result {
	if _, err := d.deps.Runner.LookPath("speedtest"); err != nil {
		if !d.deps.Settings.SpeedtestAutoInstall {
			return command.Failure(command.NotFound, speedtestMissing, nil)
		}
		d.logger.Info("speedtest not found, installing speedtest-cli")
		for _, argv := range [][]string{{"apt-get", "update"}, {"apt-get", "install", "-y", "speedtest-cli"}} {
			if _, err := d.runStep(ctx, step{
				label:    "Speedtest installation",
				notFound: speedtestMissing,
				argv:     argv,
				timeout:  d.deps.Settings.UpdateTimeout,
				env:      aptEnv,
			}); err != nil {
				return command.FromError(err)
			}
		}
	}

	timeout := d.deps.Settings.SpeedtestTimeout
	out, err := d.deps.Runner.Run(ctx, runner.WithTimeout(runner.Argv("speedtest", "--json"), timeout))
	if err != nil {
		if runner.IsNotFound(err) {
			return command.Failure(command.NotFound, speedtestMissing, nil)
		}
		return command.Failure(command.Unexpected, fmt.Sprintf("An unexpected error occurred during speedtest: %v", err), nil)
	}
	if out.TimedOut {
		if ctx.Err() != nil {
			return command.FromError(stopped(ctx, "Speedtest", timeout))
		}
		return command.FromError(command.NewTimeoutError(fmt.Sprintf("Speedtest command timed out after %d seconds.", int(timeout.Seconds()))))
	}

	stdout := strings.TrimSpace(out.Stdout)
	stderr := strings.TrimSpace(out.Stderr)
	if out.ExitCode != 0 {
		return command.Failure(command.Execution,
			fmt.Sprintf("Speedtest failed (exit code %d): %s", out.ExitCode, stderr),
			map[string]any{"details": stdout})
	}
	if stdout == "" {
		return command.Failure(command.Execution, "Speedtest command returned no output.", map[string]any{"details": stderr})
	}
	if stderr != "" {
		d.logger.Debug("speedtest wrote to stderr", "stderr", stderr)
	}

	var results any
	if err := json.Unmarshal([]byte(stdout), &results); err != nil {
		d.logger.Warn("speedtest output was not valid JSON, returning raw output")
		return command.Success(map[string]any{"speedtest_raw_output": stdout})
	}
	return command.Success(map[string]any{"speedtest_results": results})
}

func (d *Dispatcher) traceLocation(ctx context.Context, req command.Request) command.Result {
	if d.deps.Lookup == nil {
		return command.Failure(command.Unexpected, "IP lookup is not configured", nil)
	}

	ip := req.Arg()
	if ip == "" {
		resolved, err := d.deps.Lookup.PublicIP(ctx)
		if err != nil {
			return command.Failure(command.Execution, fmt.Sprintf("Failed to get public IP: %v", err), nil)
		}
		d.logger.Info("no IP provided, using public IP", "ip", resolved)
		ip = resolved
	}

	geo, err := d.deps.Lookup.Geolocate(ctx, ip)
	if err != nil {
		var fail *lookup.UpstreamFailError
		switch {
		case errors.As(err, &fail):
			return command.Failure(command.Validation, fail.Message, map[string]any{"details": fail.Body})
		case errors.Is(err, lookup.ErrEmptyResponse):
			return command.Failure(command.Execution, "Failed to parse geolocation response as JSON (response was empty).", nil)
		default:
			return command.Failure(command.Execution, fmt.Sprintf("Failed to trace IP location: %v", err), nil)
		}
	}

	return command.Success(map[string]any{"ip_geolocation": geo})
}
