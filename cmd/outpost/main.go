package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/outpost/internal/command"
	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/doctor"
	"github.com/mattjoyce/outpost/internal/lock"
	"github.com/mattjoyce/outpost/internal/log"
	"github.com/mattjoyce/outpost/internal/telemetry"
	"github.com/mattjoyce/outpost/internal/tui/watch"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

const tokenEnv = "OUTPOST_TOKEN"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "command":
		os.Exit(runCommandNoun(args))

	// --- ROOT ALIASES ---
	case "start":
		if hasHelpFlag(args) {
			printSystemStartHelp()
			os.Exit(0)
		}
		os.Exit(runStart(args))
	case "run":
		if hasHelpFlag(args) {
			printCommandRunHelp()
			os.Exit(0)
		}
		os.Exit(runCommandRun(args))
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			os.Exit(0)
		}
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("outpost version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`outpost - remote command execution and telemetry agent

Usage:
  outpost <noun> <action> [flags]

Core Resources (Nouns):
  system    Agent lifecycle
  config    Configuration and integrity
  command   Built-in device commands

System Commands:
  system start        Run the agent (gateway + telemetry) in the foreground

Config Commands:
  config check        Validate syntax, policy, host tools, and integrity
  config lock         Authorize the current config (write .checksums)
  config show         Show the resolved configuration
  config get <path>   Read one value
  config set <p>=<v>  Write one value

Command Commands:
  command run <name> [value]   Dispatch once locally and print the JSON result
  command list                 List registered commands

Shortcuts:
  start             Alias for 'system start'
  run               Alias for 'command run'
  watch             Live console for a running agent
  version           Show version information
  help              Show this help message

Use 'outpost <noun> help' for action-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runCommandNoun(args []string) int {
	if len(args) < 1 {
		printCommandNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCommandNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "run":
		if hasHelpFlag(actionArgs) {
			printCommandRunHelp()
			return 0
		}
		return runCommandRun(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printCommandListHelp()
			return 0
		}
		return runCommandList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--" {
			return false
		}
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// parseInterspersed parses flags placed before, between or after positional
// arguments. Everything after "--" is positional.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var rest []string
	for i, arg := range args {
		if arg == "--" {
			rest = args[i+1:]
			args = args[:i]
			break
		}
	}

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
	return append(positional, rest...), nil
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: outpost system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: outpost config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show, get, set")
}

func printCommandNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: outpost command <action> [flags]")
	fmt.Fprintln(w, "Actions: run, list")
}

func printSystemStartHelp() {
	fmt.Println("Usage: outpost system start [--config PATH]")
	fmt.Println("Run the command gateway and telemetry scheduler in the foreground.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: outpost config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, policy, host tools, and integrity.")
	fmt.Println("Exit codes: 0 valid, 1 invalid, 2 warnings with --strict.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: outpost config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize the current configuration by writing its BLAKE3 hash to .checksums.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: outpost config show [section] [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration (secrets redacted) or one section of it.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: outpost config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: outpost config set <path>=<value> [--config PATH]")
	fmt.Println("Write a value to the config file. Run 'outpost config lock' afterwards.")
}

func printCommandRunHelp() {
	fmt.Println("Usage: outpost command run <name> [value] [--config PATH]")
	fmt.Println("Dispatch one command on this host and print the JSON result.")
	fmt.Println("Values starting with '-' go after '--'. Exit code 1 when the command fails.")
}

func printCommandListHelp() {
	fmt.Println("Usage: outpost command list [--config PATH]")
	fmt.Println("List the registered command names.")
}

func printWatchHelp() {
	fmt.Println("Usage: outpost watch [--url URL] [--token TOKEN] [--config PATH]")
	fmt.Println("Live console for a running agent. The token defaults to $" + tokenEnv + ".")
}

// --- ACTION IMPLEMENTATIONS ---

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWithOptions(log.Options{
		Level:  cfg.Agent.LogLevel,
		Format: cfg.Agent.LogFormat,
		File:   cfg.Agent.LogFile,
	})
	logger := log.WithComponent("main")
	logger.Info("outpost starting", "version", version, "config", cfg.Path, "device_id", cfg.Agent.DeviceID)

	if cfg.Agent.PIDFile != "" {
		pid, err := lock.Acquire(cfg.Agent.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID file", "path", cfg.Agent.PIDFile, "error", err)
			return 1
		}
		defer pid.Release()
		logger.Info("acquired PID file", "path", pid.Path())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(cfg)
	if err != nil {
		logger.Error("failed to initialize agent", "error", err)
		return 1
	}
	defer a.close()

	logger.Info("outpost running (press Ctrl+C to stop)",
		"listen", cfg.API.Listen,
		"command_path", cfg.API.Path,
		"auth", cfg.API.Auth.Mode,
		"telemetry", cfg.Telemetry.Enabled,
	)

	if err := a.run(ctx); err != nil {
		logger.Error("agent failed", "error", err)
		return 1
	}

	logger.Info("outpost stopped")
	return 0
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, exec.LookPath).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}
	resolved, err := config.Resolve(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config: %v\n", err)
		return 1
	}

	// Refuse to authorize a file that does not parse.
	data, err := os.ReadFile(resolved)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	res, err := config.Lock(resolved, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		fmt.Printf("  HASH %s: %s\n", filepath.Base(res.ConfigPath), res.Hash)
	}
	if res.Written {
		fmt.Printf("Locked %s (%s)\n", res.ConfigPath, res.ChecksumPath)
	} else {
		fmt.Printf("Dry-run: %s not written\n", res.ChecksumPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	section := ""
	if len(positional) > 0 {
		section = positional[0]
	}
	result, err := cfg.GetPath(section)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: outpost config get <path> [--config PATH] [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

func runConfigSet(args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if len(positional) != 1 || !strings.Contains(positional[0], "=") {
		fmt.Fprintln(os.Stderr, "Usage: outpost config set <path>=<value> [--config PATH]")
		return 1
	}
	path, value, _ := strings.Cut(positional[0], "=")

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if err := cfg.SetPath(path, value); err != nil {
		fmt.Fprintf(os.Stderr, "Set failed: %v\n", err)
		return 1
	}

	fmt.Printf("Successfully set %q\n", path)
	if _, err := config.LoadChecksums(filepath.Dir(cfg.Path)); err == nil {
		fmt.Println("Note: config is locked; run 'outpost config lock' to re-authorize it.")
	}
	return 0
}

func runCommandRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) < 1 || len(positional) > 2 {
		fmt.Fprintln(os.Stderr, "Usage: outpost command run <name> [value] [--config PATH]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	// stdout carries the JSON result only.
	log.SetupWithOptions(log.Options{
		Level:  cfg.Agent.LogLevel,
		Format: "text",
		Output: os.Stderr,
	})

	req := command.Request{Name: positional[0]}
	if len(positional) == 2 {
		req.Argument = &positional[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := dispatchOnce(ctx, cfg, req)

	data, err := json.MarshalIndent(res.Body(), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))

	if !res.OK() {
		return 1
	}
	return 0
}

// dispatchOnce runs req through a fresh dispatcher without the gateway.
func dispatchOnce(ctx context.Context, cfg *config.Config, req command.Request) command.Result {
	lk := newLookup(cfg.Lookup)
	defer lk.Close()

	d := newDispatcher(cfg, nil, newReporter(cfg, nil), telemetry.NewSampler(nil), lk)
	return d.Dispatch(ctx, req)
}

func runCommandList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	lk := newLookup(cfg.Lookup)
	defer lk.Close()

	d := newDispatcher(cfg, nil, newReporter(cfg, nil), telemetry.NewSampler(nil), lk)
	for _, name := range d.Names() {
		fmt.Println(name)
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("url", "", "Agent base URL (default: derived from api.listen)")
	token := fs.String("token", "", "Bearer token (default: $"+tokenEnv+")")
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *token == "" {
		*token = os.Getenv(tokenEnv)
	}

	if *apiURL == "" {
		cfg, err := loadConfigForTool(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Load error (pass --url to skip config): %v\n", err)
			return 1
		}
		*apiURL = baseURLFromListen(cfg.API.Listen)
		if *token == "" {
			*token = cfg.API.Auth.APIKey
		}
	}

	if err := watch.Run(*apiURL, *token); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

// baseURLFromListen maps a listen address to a local client URL.
func baseURLFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
