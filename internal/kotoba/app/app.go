// Package app provides the main kotoba application
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/kotoba/common/retry"
	"github.com/bdobrica/kotoba/common/trace"
	"github.com/bdobrica/kotoba/internal/kotoba/audit"
	"github.com/bdobrica/kotoba/internal/kotoba/config"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/expression"
	"github.com/bdobrica/kotoba/internal/kotoba/matrix"
	"github.com/bdobrica/kotoba/internal/kotoba/plugin"
	"github.com/bdobrica/kotoba/internal/kotoba/plugins/builtin"
	"github.com/bdobrica/kotoba/internal/kotoba/reply"
	"github.com/bdobrica/kotoba/internal/kotoba/runtime"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

// Config holds application configuration
type Config struct {
	DatabasePath string
	// SettingsPath is the YAML settings file. When empty the defaults are
	// used, with KOTOBA_* environment overrides.
	SettingsPath string
	Matrix       matrix.Config
	// HTTPAddr is the TCP address for the optional health/status HTTP server
	// (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string
	// AuditRoomID is an optional Matrix room ID where kotoba posts
	// operator-facing events. When empty, audit room notifications are
	// disabled.
	AuditRoomID string
	// Welcome greets members joining a room. Empty disables the greeting.
	Welcome []string
}

// App is the main kotoba application
type App struct {
	config       *Config
	settings     *config.Settings
	store        *store.Store
	configStore  config.Store
	matrix       *matrix.Client
	runtime      *runtime.Runtime
	notifier     audit.Notifier
	healthServer *HealthServer
}

// New creates a new kotoba application. It opens the database, loads the
// settings and the plugins, but connects to nothing.
func New(ctx context.Context, cfg *Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a, err := build(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *Config, st *store.Store) (*App, error) {
	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}
	configStore := config.NewStore(st)
	if err := settings.ApplyOverrides(ctx, configStore); err != nil {
		return nil, fmt.Errorf("failed to load config overrides: %w", err)
	}

	// Inject the DB so the client can persist the sync token across restarts.
	matrixCfg := cfg.Matrix
	matrixCfg.DB = st.DB()
	slog.Info("configuring Matrix client", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	var notifier audit.Notifier = audit.Noop{}
	if cfg.AuditRoomID != "" {
		notifier = audit.NewMatrixNotifier(matrixClient, cfg.AuditRoomID)
		slog.Info("audit room notifier ready", "room", cfg.AuditRoomID)
	}

	// The builtin factories read deps when they are loaded, after the
	// runtime exists.
	deps := &builtin.Deps{
		Store:    st,
		Config:   configStore,
		Notifier: notifier,
		Cancel:   settings.CancelExpression(),
		Welcome:  expression.FromStrings(cfg.Welcome),
	}
	catalog := plugin.NewCatalog()
	if err := builtin.Register(catalog, deps); err != nil {
		return nil, err
	}

	mode, _ := event.ParseContextMode(settings.ContextMode)
	opts := settings.RuntimeOptions()
	opts.Sender = reply.NewGuard(matrixClient, retry.DefaultConfig, settings.SwallowTransportErrors)
	opts.Responder = matrixClient
	opts.Resolver = matrixClient
	opts.Recorder = audit.NewRecorder(st, notifier, audit.WithContextMode(mode))
	opts.Catalog = catalog
	opts.State = st

	rt := runtime.New(opts)
	deps.Runtime = rt

	specs := settings.PluginSpecs()
	if len(specs) == 0 {
		for _, path := range builtin.Paths() {
			specs = append(specs, runtime.PluginSpec{Path: path, Enabled: true})
		}
	}
	if err := rt.LoadPlugins(ctx, specs); err != nil {
		// Each failure is logged by the runtime; the bot runs with what loaded.
		slog.Warn("some plugins failed to load", "err", err)
	}
	if err := builtin.RestoreSwitches(ctx, rt, st); err != nil {
		slog.Warn("failed to restore command switches", "err", err)
	}

	a := &App{
		config:      cfg,
		settings:    settings,
		store:       st,
		configStore: configStore,
		matrix:      matrixClient,
		runtime:     rt,
		notifier:    notifier,
	}
	if cfg.HTTPAddr != "" {
		a.healthServer = NewHealthServer(cfg.HTTPAddr, runtimeStats{rt: rt})
	}
	return a, nil
}

// Runtime returns the dispatch runtime.
func (a *App) Runtime() *runtime.Runtime { return a.runtime }

// Run starts the application and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	if err := a.runtime.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleEvent); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	if a.config.AuditRoomID != "" {
		if err := a.matrix.SendNotice(ctx, a.config.AuditRoomID, "✅ kotoba started."); err != nil {
			slog.Warn("failed to send startup notice", "room", a.config.AuditRoomID, "err", err)
		}
	}

	slog.Info("kotoba is running; press Ctrl+C to stop", "user", a.matrix.UserID())
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// handleEvent queues a converted Matrix event on the dispatch loop.
func (a *App) handleEvent(ctx context.Context, ev *event.Event) {
	ctx = trace.Ensure(ctx)
	logger(ctx).Debug("event received", "event", ev.Name(), "room", ev.GroupID)
	if err := a.runtime.SubmitContext(ctx, ev); err != nil {
		logger(ctx).Warn("event dropped", "event", ev.Name(), "err", err)
	}
}

// Stop stops the kotoba application
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	slog.Info("stopping runtime")
	a.runtime.Stop()

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}
