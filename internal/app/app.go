package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/vk/bootstrapgo/internal/config"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/registry"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	settings   *config.Model
	registry   *registry.Registry
	httpServer *http.Server
	phase      atomic.Value
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and registry.
// Without explicit modules, the built-in plugins are wired from the
// settings.
func NewApp(outW io.Writer, cfg *Config, loader config.Loader, modules ...registry.Module) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	settings := config.NewModel()
	if len(cfg.SettingsPaths) > 0 {
		var err error
		settings, err = loader.Load(ctx, cfg.SettingsPaths...)
		if err != nil {
			// A failure to load config is a fatal startup error.
			panic(fmt.Errorf("failed to load configuration: %w", err))
		}
	}
	logger.Debug("Settings loaded.", "packages", len(settings.Packages), "builders", len(settings.Builders))

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules(settings)
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All Go modules registered.", "count", len(modules))

	if err := bindPackages(reg, settings); err != nil {
		panic(fmt.Errorf("failed to bind package plugins: %w", err))
	}
	if err := reg.ValidateRegistry(ctx); err != nil {
		// This is a mismatch between code and settings, so we panic.
		panic(err)
	}
	logger.Debug("Registry validation passed.")

	return &App{
		ctx:      ctx,
		outW:     outW,
		logger:   logger,
		config:   cfg,
		settings: settings,
		registry: reg,
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Settings returns the merged settings model.
func (a *App) Settings() *config.Model {
	return a.settings
}
