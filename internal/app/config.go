package app

import (
	"errors"
	"fmt"
)

// Mode selects what a run does.
type Mode string

const (
	// ModeBootstrap discovers and builds every requirement depth-first.
	ModeBootstrap Mode = "bootstrap"
	// ModeDiscover resolves the full graph without building artifacts.
	ModeDiscover Mode = "discover"
	// ModeBuild builds a previously discovered graph in parallel.
	ModeBuild Mode = "build"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Requirements     []string
	RequirementsFile string
	ConstraintsFile  string
	SettingsPaths    []string // hcl files or directories

	Mode          Mode
	WorkDir       string
	CacheDir      string
	RemoteCache   string
	PreviousGraph string
	GraphPath     string
	Workers       int
	StopOnFailure bool

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeBootstrap
	}
	switch cfg.Mode {
	case ModeBootstrap, ModeDiscover:
		if len(cfg.Requirements) == 0 && cfg.RequirementsFile == "" {
			return nil, errors.New("at least one requirement or a requirements file is required")
		}
	case ModeBuild:
		if cfg.GraphPath == "" {
			return nil, errors.New("build mode needs the graph of a previous discovery run")
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.Workers < 0 {
		return nil, errors.New("workers cannot be negative")
	}
	return &cfg, nil
}
