package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/outpost/internal/command"
	"github.com/mattjoyce/outpost/internal/runner"
)

// unavailable replaces any introspection field whose probe failed.
const unavailable = "N/A"

const (
	vcgencmdTimeout = 5 * time.Second
	sensorsTimeout  = 10 * time.Second

	osReleasePath = "/etc/os-release"
	loadAvgPath   = "/proc/loadavg"

	sensorsUnparsed = "lm-sensors output empty or not parsed. Try 'get_cpu_temp' for a simulated value."
)

func (d *Dispatcher) registerIntrospection() {
	d.Register("system_info", handler{execute: d.systemInfo})
	d.Register("disk_usage", handler{execute: d.diskUsage})
	d.Register("network_info", handler{execute: d.networkInfo})
	d.Register("get_cpu_temp", handler{execute: d.getCPUTemp})
	d.Register("cpu_temp", handler{execute: d.cpuTemp})
}

// probe runs argv and returns trimmed stdout, or "" on any failure.
func (d *Dispatcher) probe(ctx context.Context, argv ...string) string {
	out, err := d.deps.Runner.Run(ctx, runner.WithTimeout(runner.Argv(argv...), d.deps.Settings.ProbeTimeout))
	if err != nil {
		d.logger.Debug("probe failed", "cmd", strings.Join(argv, " "), "error", err)
		return ""
	}
	if !out.Succeeded() {
		d.logger.Debug("probe exited unsuccessfully", "cmd", strings.Join(argv, " "), "exit_code", out.ExitCode, "timed_out", out.TimedOut)
		return ""
	}
	return strings.TrimSpace(out.Stdout)
}

func orNA(s string) string {
	if s == "" {
		return unavailable
	}
	return s
}

func (d *Dispatcher) systemInfo(ctx context.Context, _ command.Request) command.Result {
	var hostname, osName, kernel, uptime, cpu, memory string

	// Probes never fail the group; each one degrades to "N/A" on its own.
	var g errgroup.Group
	g.Go(func() error { hostname = d.probe(ctx, "hostname"); return nil })
	g.Go(func() error { osName = d.osPrettyName(); return nil })
	g.Go(func() error { kernel = d.probe(ctx, "uname", "-r"); return nil })
	g.Go(func() error { uptime = d.probe(ctx, "uptime", "-p"); return nil })
	g.Go(func() error { cpu = parseCPUModel(d.probe(ctx, "lscpu")); return nil })
	g.Go(func() error { memory = parseMemory(d.probe(ctx, "free", "-h")); return nil })
	_ = g.Wait()

	return command.Success(map[string]any{
		"system_info": map[string]any{
			"hostname": orNA(hostname),
			"os":       orNA(osName),
			"kernel":   orNA(kernel),
			"uptime":   orNA(uptime),
			"cpu":      orNA(cpu),
			"memory":   orNA(memory),
		},
	})
}

func (d *Dispatcher) osPrettyName() string {
	data, err := d.deps.ReadFile(osReleasePath)
	if err != nil {
		return ""
	}
	return parseOSRelease(string(data))
}

// parseOSRelease returns PRETTY_NAME from an os-release document.
func parseOSRelease(doc string) string {
	sc := bufio.NewScanner(strings.NewReader(doc))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}

// parseCPUModel extracts the "Model name" row from lscpu output.
func parseCPUModel(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.TrimSpace(key) == "Model name" {
			return strings.Join(strings.Fields(val), " ")
		}
	}
	return ""
}

// parseMemory renders "used/total" from the Mem row of free -h.
func parseMemory(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 3 && strings.HasPrefix(fields[0], "Mem") {
			return fields[2] + "/" + fields[1]
		}
	}
	return ""
}

func (d *Dispatcher) diskUsage(ctx context.Context, _ command.Request) command.Result {
	return command.Success(map[string]any{
		"disk_usage": orNA(d.probe(ctx, "df", "-h")),
	})
}

func (d *Dispatcher) networkInfo(ctx context.Context, _ command.Request) command.Result {
	var (
		localIPs []string
		mac      string
		publicIP string
	)

	var g errgroup.Group
	g.Go(func() error {
		localIPs = strings.Fields(d.probe(ctx, "hostname", "-I"))
		return nil
	})
	g.Go(func() error {
		iface := parseDefaultInterface(d.probe(ctx, "ip", "route", "show", "default"))
		if iface == "" || strings.Contains(iface, "/") {
			return nil
		}
		if data, err := d.deps.ReadFile("/sys/class/net/" + iface + "/address"); err == nil {
			mac = strings.TrimSpace(string(data))
		}
		return nil
	})
	g.Go(func() error {
		if d.deps.Lookup == nil {
			return nil
		}
		ip, err := d.deps.Lookup.PublicIP(ctx)
		if err != nil {
			d.logger.Debug("public IP lookup failed", "error", err)
			return nil
		}
		publicIP = ip
		return nil
	})
	_ = g.Wait()

	if localIPs == nil {
		localIPs = []string{}
	}
	return command.Success(map[string]any{
		"network_info": map[string]any{
			"local_ip_addresses": localIPs,
			"mac_address":        orNA(mac),
			"public_ip":          orNA(publicIP),
		},
	})
}

// parseDefaultInterface returns the device of the first default route.
func parseDefaultInterface(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 5 && fields[0] == "default" {
			return fields[4]
		}
	}
	return ""
}

// getCPUTemp simulates a temperature from the one-minute load average.
func (d *Dispatcher) getCPUTemp(_ context.Context, _ command.Request) command.Result {
	var temp float64
	if load, ok := d.loadAverage(); ok {
		secs := float64(d.deps.Now().UnixNano()) / float64(time.Second)
		temp = load*10 + 30 + math.Mod(secs, 5)
	} else {
		temp = 30 + d.deps.Float64()*30
	}
	return command.Success(map[string]any{
		"temperature": round2(temp),
		"unit":        "Celsius",
	})
}

func (d *Dispatcher) loadAverage() (float64, bool) {
	data, err := d.deps.ReadFile(loadAvgPath)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// cpuTemp reads the hardware sensor: vcgencmd, then lm-sensors, then a simulated value.
func (d *Dispatcher) cpuTemp(ctx context.Context, _ command.Request) command.Result {
	if out, err := d.deps.Runner.Run(ctx, runner.WithTimeout(runner.Argv("vcgencmd", "measure_temp"), vcgencmdTimeout)); err == nil && out.Succeeded() {
		if temp, ok := parseVcgencmd(out.Stdout); ok {
			return command.Success(map[string]any{
				"cpu_temperature": temp,
				"unit":            "Celsius",
				"source":          "vcgencmd",
			})
		}
	}

	out, err := d.deps.Runner.Run(ctx, runner.WithTimeout(runner.Argv("sensors", "-j"), sensorsTimeout))
	if err == nil && out.Succeeded() {
		raw := strings.TrimSpace(out.Stdout)
		if raw == "" {
			return command.Failure(command.Execution, sensorsUnparsed, nil)
		}
		// Invalid JSON falls through to the simulated value.
		var doc map[string]any
		if json.Unmarshal([]byte(raw), &doc) == nil {
			if temp, ok := firstSensorTemp(doc); ok {
				return command.Success(map[string]any{
					"cpu_temperature": temp,
					"unit":            "Celsius",
					"source":          "lm-sensors",
				})
			}
			return command.Failure(command.Execution, sensorsUnparsed, nil)
		}
	}

	d.logger.Debug("hardware temperature read failed, using simulated value")
	return command.Success(map[string]any{
		"cpu_temperature": round2(30 + d.deps.Float64()*30),
		"unit":            "Celsius",
		"source":          "simulated (hardware read failed)",
	})
}

// parseVcgencmd parses "temp=45.6'C".
func parseVcgencmd(out string) (float64, bool) {
	_, v, ok := strings.Cut(strings.TrimSpace(out), "=")
	if !ok {
		return 0, false
	}
	v = strings.TrimSuffix(v, "'C")
	t, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return t, true
}

// firstSensorTemp walks `sensors -j` output in name order and returns the
// first tempN_input reading.
func firstSensorTemp(doc map[string]any) (float64, bool) {
	for _, chip := range sortedKeys(doc) {
		features, ok := doc[chip].(map[string]any)
		if !ok {
			continue
		}
		for _, feature := range sortedKeys(features) {
			values, ok := features[feature].(map[string]any)
			if !ok {
				continue
			}
			for _, key := range sortedKeys(values) {
				if strings.HasPrefix(key, "temp") && strings.HasSuffix(key, "_input") {
					if v, ok := values[key].(float64); ok {
						return v, true
					}
				}
			}
		}
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
