package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/bootstrapgo/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("bootstrapgo", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
bootstrapgo - Build a package and its whole dependency tree from source.

Usage:
  bootstrapgo [options] [REQUIREMENT...]
  bootstrapgo -mode build [options]

Arguments:
  REQUIREMENT
    A requirement such as "requests>=2.31" or "numpy[dev]==2.0.0".

Modes:
  bootstrap  Resolve, build and cache every requirement depth-first (default).
  discover   Resolve the full graph without building artifacts.
  build      Build a discovered graph in parallel.

Options:
`)
		flagSet.PrintDefaults()
	}

	reqFileFlag := flagSet.String("r", "", "Path to a requirements file.")
	constraintsFlag := flagSet.String("c", "", "Path to a constraints file.")
	settingsFlag := flagSet.String("settings", "", "Comma-separated HCL settings files or directories.")
	modeFlag := flagSet.String("mode", string(app.ModeBootstrap), "Run mode. Options: 'bootstrap', 'discover', 'build'.")
	workDirFlag := flagSet.String("work-dir", "", "Directory for sources and builds. Defaults to the settings value or .bootstrapgo/work.")
	cacheDirFlag := flagSet.String("cache-dir", "", "Local artifact cache directory. Defaults to the settings value or .bootstrapgo/cache.")
	remoteCacheFlag := flagSet.String("remote-cache", "", "Base URL of a shared artifact cache.")
	previousFlag := flagSet.String("previous-graph", "", "Graph of an earlier run to reuse resolutions from.")
	graphFlag := flagSet.String("graph", "graph.json", "Where the dependency graph is written, or read in build mode.")
	workersFlag := flagSet.Int("workers", 0, "Concurrent builds in build mode. 0 uses the settings value or the CPU count.")
	stopFlag := flagSet.Bool("stop-on-failure", false, "Stop at the first failed top-level requirement.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check and metrics server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	mode := app.Mode(strings.ToLower(*modeFlag))
	if mode != app.ModeBuild && flagSet.NArg() == 0 && *reqFileFlag == "" {
		slog.Debug("No requirements provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	var settings []string
	for _, p := range strings.Split(*settingsFlag, ",") {
		if p = strings.TrimSpace(p); p != "" {
			settings = append(settings, p)
		}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		Requirements:     flagSet.Args(),
		RequirementsFile: *reqFileFlag,
		ConstraintsFile:  *constraintsFlag,
		SettingsPaths:    settings,
		Mode:             mode,
		WorkDir:          *workDirFlag,
		CacheDir:         *cacheDirFlag,
		RemoteCache:      *remoteCacheFlag,
		PreviousGraph:    *previousFlag,
		GraphPath:        *graphFlag,
		Workers:          *workersFlag,
		StopOnFailure:    *stopFlag,
		HealthcheckPort:  *healthPortFlag,
		LogFormat:        logFormat,
		LogLevel:         logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
