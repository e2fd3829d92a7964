// Homepulse streams Home Assistant state changes into a time-series
// store, with a metadata catalog in SQLite and optional enrichment and
// MQTT status publishing on the side.
//
// Usage:
//
//	homepulse serve           Run the ingestion pipeline
//	homepulse version         Print version and build information
//	homepulse -o json version Output version information as JSON
//
// Configuration comes from an optional YAML file (-config) with
// environment variables layered on top; HA_URL, HA_TOKEN, TSDB_URL,
// TSDB_ORG, and TSDB_BUCKET are the required minimum.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/homepulse/internal/buildinfo"
	"github.com/nugget/homepulse/internal/config"
	"github.com/nugget/homepulse/internal/supervisor"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which interfere with calling
// run concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve", "":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe loads configuration, builds the pipeline supervisor, and
// blocks until SIGINT/SIGTERM or a fatal component failure.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	}

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// every component, so one signal drains the whole pipeline.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return supervisor.New(cfg, logger).Run(ctx)
}

// loadConfig assembles the effective configuration: defaults, then the
// YAML file when given, then environment variables on top.
func loadConfig(explicit string) (*config.Config, error) {
	cfg := config.Default()
	if explicit != "" {
		loaded, err := config.Load(explicit)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicit, err)
		}
		cfg = loaded
	}
	if err := config.FromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Homepulse - Home Assistant Telemetry Pipeline")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: homepulse [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the ingestion pipeline (default)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to YAML config file (optional)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  HA_URL, HA_TOKEN            Home Assistant websocket endpoint")
	fmt.Fprintln(w, "  TSDB_URL, TSDB_TOKEN        Time-series store endpoint")
	fmt.Fprintln(w, "  TSDB_ORG, TSDB_BUCKET       Write destination")
	fmt.Fprintln(w, "  META_DB_PATH                SQLite metadata catalog path")
	fmt.Fprintln(w, "  LOG_LEVEL, LOG_FORMAT       Logging (trace..error, text|json)")
	return nil
}

// newLogger creates a structured logger writing to w at the given level
// and format. Format must be "text" or "json"; anything else falls back
// to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
