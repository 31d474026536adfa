package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/gates"
	"github.com/fyrsmithlabs/conductor/internal/hooks"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/profile"
	"github.com/fyrsmithlabs/conductor/internal/secrets"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
	"github.com/fyrsmithlabs/conductor/internal/vcs"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/conductor/cmd/conductor"

	subagentFile = "subagents.json"
)

// app holds the collaborators every command builds from configuration.
type app struct {
	cfg       *config.Config
	dir       string
	stateDir  string
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     *session.Store
	profiles  *profile.Loader
}

// newApp loads configuration and wires logging, telemetry, the session
// store and the profile loader. Logs always go to stderr.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	dir := opts.dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}

	configPath := opts.configPath
	if configPath == "" {
		configPath = config.DefaultPath(dir)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, err
	}

	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OTEL)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	if degraded, terr := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without export", zap.Error(terr))
	}

	stateDir := resolve(dir, cfg.State.Dir)
	profileDir := ""
	if cfg.Profiles.Dir != "" {
		profileDir = resolve(dir, cfg.Profiles.Dir)
	}

	return &app{
		cfg:       cfg,
		dir:       dir,
		stateDir:  stateDir,
		logger:    logger,
		telemetry: tel,
		store: session.NewStore(session.Options{
			Dir:             stateDir,
			AutoFlush:       cfg.State.AutoFlush,
			BackupRetention: cfg.State.BackupRetention,
			Logger:          logger,
		}),
		profiles: profile.NewLoader(profileDir),
	}, nil
}

// close flushes the store and shuts telemetry down.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.Flush(); err != nil {
		a.logger.Warn(ctx, "final session flush failed", zap.Error(err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Debug(ctx, "telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// profile resolves the active profile: the flag, then the active session's
// profile, then the configured default, then detection.
func (a *app) profile(flag string) (*profile.Profile, error) {
	name := flag
	if name == "" {
		if st, _ := a.store.Load(); st != nil && st.Profile != "" {
			name = st.Profile
		}
	}
	if name == "" {
		name = a.cfg.Profiles.Default
	}
	if name == "" {
		name = profile.Detect(a.dir)
	}
	return a.profiles.Load(name)
}

// scanner builds the secret scanner with the project allowlist. A broken
// allowlist falls back to the default rules.
func (a *app) scanner(ctx context.Context) *secrets.Scanner {
	allow, err := secrets.LoadAllowlist(a.dir)
	if err != nil {
		a.logger.Warn(ctx, "ignoring unreadable secrets allowlist", zap.Error(err))
		allow = nil
	}
	s, err := secrets.NewScanner(allow)
	if err != nil {
		a.logger.Warn(ctx, "secret scanner unavailable", zap.Error(err))
		return nil
	}
	return s
}

// gateRunner builds a runner for p. recorder may be nil.
func (a *app) gateRunner(p *profile.Profile, scanner *secrets.Scanner, recorder gates.Recorder) *gates.Runner {
	opts := gates.Options{
		WorkDir:        a.dir,
		DefaultTimeout: a.cfg.Gates.DefaultTimeout.Duration(),
		MaxOutputBytes: a.cfg.Gates.MaxOutputBytes,
		Recorder:       recorder,
		Logger:         a.logger,
		Tracer:         a.telemetry.Tracer(instrumentationName),
	}
	if a.cfg.Gates.RedactOutput && scanner != nil {
		opts.Redactor = scanner
	}
	return gates.NewRunner(p, opts)
}

// bus builds a hook bus with the built-in handlers.
func (a *app) bus(runner *gates.Runner, scanner *secrets.Scanner, pub events.Publisher) (*hooks.Bus, error) {
	bus := hooks.NewBus(hooks.BusOptions{
		Logger:    a.logger,
		Tracer:    a.telemetry.Tracer(instrumentationName),
		Publisher: pub,
	})
	deps := hooks.BuiltinDeps{
		Config:  a.cfg.Hooks,
		Store:   a.store,
		Tracker: hooks.NewSubagentTracker(filepath.Join(a.stateDir, subagentFile), a.cfg.Hooks.SubagentHistory),
		Head:    vcs.HeadCommit,
	}
	if runner != nil {
		deps.Gates = runner
	}
	if scanner != nil {
		deps.Scanner = scanner
	}
	if err := bus.Apply(hooks.Builtins(deps)); err != nil {
		return nil, fmt.Errorf("registering hooks: %w", err)
	}
	return bus, nil
}

// publisher connects the event mirror. Connection failures disable it.
func (a *app) publisher(ctx context.Context) events.Publisher {
	pub, err := events.Connect(a.cfg.Events, a.logger)
	if err != nil {
		a.logger.Warn(ctx, "event mirror disabled", zap.Error(err))
		return events.Nop{}
	}
	return pub
}

// watchProfiles invalidates cached profiles as their files change. It is
// a no-op unless enabled with a profile directory.
func (a *app) watchProfiles(ctx context.Context) func() {
	if !a.cfg.Profiles.Watch || a.profiles.Dir() == "" {
		return func() {}
	}
	w, err := profile.NewWatcher(a.profiles, a.logger)
	if err == nil {
		w.OnChange = func(name string) {
			a.logger.Info(ctx, "profile changed, next session picks it up", zap.String("profile", name))
		}
		err = w.Start(ctx)
	}
	if err != nil {
		a.logger.Warn(ctx, "profile watcher disabled", zap.Error(err))
		return func() {}
	}
	return w.Stop
}

func resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func isNoSession(err error) bool {
	return errors.Is(err, session.ErrNoActiveSession)
}
