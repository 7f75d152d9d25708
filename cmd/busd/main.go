// busd is a DBus-compatible message-bus daemon: one process implementing
// the router, name table, and advertise/discover control plane, reachable
// over one or more configured transports.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alljoyn-go/busd/internal/cli"
	"github.com/alljoyn-go/busd/internal/config"
	"github.com/alljoyn-go/busd/internal/daemon"
	"github.com/alljoyn-go/busd/internal/logging"
)

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Run the bus daemon
  config show   Show the effective configuration
  status        Query a running daemon's control socket

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/busd/config.yaml)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	guidSeed := fs.String("guid", "", "Static daemon GUID (32 hex digits); empty generates one")
	metricsListen := fs.String("metrics-listen", "", "Prometheus /metrics listen address; empty disables it")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["guid"] {
		cfg.GUIDSeed = *guidSeed
	}
	if set["metrics-listen"] {
		cfg.MetricsListen = *metricsListen
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	logging.SetDefault(level)
	logger := logging.New(level, "busd")

	d, err := daemon.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error starting daemon: %v\n", err)
		os.Exit(1)
	}
	logger.Info("bus daemon started", "guid", d.GUID.String())

	<-ctx.Done()
	logger.Info("shutting down")
	d.Stop()
}

func runConfig(args []string) {
	if len(args) == 0 {
		printConfigUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "show":
		runConfigShow(args[1:])
	case "-h", "--help", "help":
		printConfigUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown config command: %s\n\n", args[0])
		printConfigUsage()
		os.Exit(1)
	}
}

func runConfigShow(args []string) {
	fs := flag.NewFlagSet("config show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/busd/config.yaml)")
	defaults := fs.Bool("defaults", false, "Show all fields with program defaults filled in")
	fs.Parse(args)

	path := *configPath
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *defaults {
		cfg = cfg.WithDefaults()
	}

	fmt.Fprintf(os.Stderr, "# %s\n", path)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}

func printConfigUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s config <command> [options]

Commands:
  show          Show the current configuration

Show options:
  --config      Path to config file (default: $XDG_CONFIG_HOME/busd/config.yaml)
  --defaults    Show all fields with program defaults filled in
`, progName)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/busd/config.yaml)")
	controlListen := fs.String("control-listen", "", "Control socket address (default: value from config)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg = cfg.WithDefaults()

	addr := cfg.ControlListen
	if *controlListen != "" {
		addr = *controlListen
	}

	client, err := cli.NewClient(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cli.NewFormatter(os.Stdout, *jsonOutput).FormatStatus(st)
}

// loadConfig loads a config file. An explicit path that doesn't exist is
// an error. A missing default path is silently ignored (empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names explicitly provided on the
// command line, so config-file values can be overridden selectively.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
