// Package dispatch maps controller command names onto handlers and runs them.
//
// Every command is a Handler with a Validate step and an Execute step. Validate
// never has side effects; Execute is only reached when Validate succeeds. Each
// dispatch produces exactly one command.Result, including when a handler panics.
//
// Command families:
//   - echo: ping_test, display_message
//   - introspection: system_info, disk_usage, network_info, get_cpu_temp, cpu_temp
//   - privileged lifecycle: update_system, reboot_pi, shutdown_pi
//   - network actions: run_speedtest, trace_location
//   - arbitrary execution: execute_command
//   - telemetry trigger: send_sensor_data
//
// Introspection commands tolerate individual probe failures and substitute "N/A"
// for the affected field. Privileged commands are never retried.
//
// execute_command runs caller-supplied text through a shell. It is gated by
// Settings.ExecuteEnabled and Settings.ExecuteAllow and is otherwise unrestricted.
package dispatch
