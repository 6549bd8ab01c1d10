// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file (when present) with VMKIT_*
// environment overrides; view-model classes come from the definitions
// directory.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/artpar/vmkit/adapters/binding"
	"github.com/artpar/vmkit/adapters/clock"
	apihttp "github.com/artpar/vmkit/adapters/http"
	"github.com/artpar/vmkit/adapters/idgen"
	"github.com/artpar/vmkit/adapters/metrics"
	"github.com/artpar/vmkit/adapters/natsbus"
	"github.com/artpar/vmkit/adapters/remote"
	"github.com/artpar/vmkit/config"
	"github.com/artpar/vmkit/core/events"
	"github.com/artpar/vmkit/core/formatter"
	"github.com/artpar/vmkit/core/runtime"
	"github.com/artpar/vmkit/core/viewmodel"
	"github.com/artpar/vmkit/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Runtime    *runtime.Runtime
	Bus        ports.Bus
	Transport  ports.Transport
	Binder     *binding.Router

	natsBus  *natsbus.Bus
	template *binding.Template

	reloadMu  sync.Mutex
	closeOnce sync.Once
}

// Config provides optional configuration for application initialization.
type Config struct {
	// ConfigPath is the YAML config file. When empty or missing,
	// configuration comes from the environment and defaults.
	ConfigPath string

	// Version is reported by /version.
	Version string

	// Methods registers the Go methods definitions refer to. It runs
	// after the builtins and before definitions are loaded.
	Methods func(rt *runtime.Runtime)

	// Registry isolates metrics (tests). Defaults to the global registry.
	Registry *prometheus.Registry

	// Logger overrides the logger built from the logging section.
	Logger *zerolog.Logger
}

// New creates and initializes the application from the default config path.
func New() (*App, error) {
	return NewWithConfig(Config{ConfigPath: "vmkit.yaml"})
}

// NewWithConfig creates and initializes the application.
func NewWithConfig(cfg Config) (*App, error) {
	c, err := config.LoadWithFallback(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(c.Logging)
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	holder, err := newHolder(cfg.ConfigPath, logger.With().Str("component", "config").Logger())
	if err != nil {
		return nil, err
	}
	c = holder.Get()
	logger.Info().Str("config", holder.Path()).Msg("initializing vmkit")

	a := &App{
		Logger: logger,
		Config: holder,
	}

	if c.Metrics.Enabled {
		if cfg.Registry != nil {
			a.Metrics = metrics.NewWithRegistry(cfg.Registry)
		} else {
			a.Metrics = metrics.New()
		}
		logger.Info().Msg("prometheus metrics enabled")
	}

	if err := a.initBus(c.Bus); err != nil {
		return nil, fmt.Errorf("init bus: %w", err)
	}

	a.Transport = remote.NewClient(remote.ClientConfig{
		BaseURL: c.Transport.BaseURL,
		APIKey:  c.Transport.APIKey,
		Timeout: c.Transport.Timeout,
		Headers: c.Transport.Headers,
		Logger:  logger.With().Str("component", "transport").Logger(),
	})

	live := binding.NewLive(binding.LiveConfig{}, logger.With().Str("component", "live").Logger())
	if err := a.initBinder(c.Binding, live); err != nil {
		a.closeBus()
		return nil, fmt.Errorf("init binder: %w", err)
	}

	env := viewmodel.Env{
		Bus:       a.Bus,
		Transport: a.Transport,
		Binder:    a.Binder,
		IDs:       idgen.UUID{},
	}
	if a.Metrics != nil {
		env.Observer = a.Metrics
	}
	a.Runtime = runtime.New(runtime.Config{
		DefinitionsDir: c.Definitions.Dir,
		Env:            env,
		Logger:         logger.With().Str("component", "runtime").Logger(),
	})

	RegisterBuiltins(a.Runtime, logger)
	if cfg.Methods != nil {
		cfg.Methods(a.Runtime)
	}

	if err := a.loadDefinitions(c.Definitions.Dir); err != nil {
		a.closeBus()
		return nil, fmt.Errorf("load definitions: %w", err)
	}

	a.initHTTPServer(c, cfg, live)

	return a, nil
}

// newHolder holds path when it exists and the environment otherwise.
func newHolder(path string, logger zerolog.Logger) (*config.Holder, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return config.NewHolder(path, logger)
		}
	}
	return config.NewEnvHolder(logger)
}

func (a *App) initBus(c config.BusConfig) error {
	var opts []events.Option
	var natsOpts []natsbus.Option
	if a.Metrics != nil {
		opts = append(opts, events.WithHook(a.Metrics.Published))
		natsOpts = append(natsOpts, natsbus.WithHook(a.Metrics.Published))
	}

	switch c.Driver {
	case "nats":
		natsOpts = append(natsOpts, natsbus.WithIDGenerator(idgen.UUID{}), natsbus.WithClock(clock.UTC{}))
		bus, err := natsbus.Connect(natsbus.Config{
			URL:           c.URL,
			Name:          c.Name,
			Prefix:        c.Prefix,
			Token:         c.Token,
			MaxReconnects: c.MaxReconnects,
			ReconnectWait: c.ReconnectWait,
		}, a.Logger.With().Str("component", "bus").Logger(), natsOpts...)
		if err != nil {
			return err
		}
		a.natsBus = bus
		a.Bus = bus
		a.Logger.Info().Str("url", c.URL).Str("prefix", c.Prefix).Msg("nats bus connected")
	default:
		opts = append(opts, events.WithIDGenerator(idgen.UUID{}), events.WithClock(clock.UTC{}))
		a.Bus = events.NewBus(a.Logger.With().Str("component", "bus").Logger(), opts...)
		a.Logger.Info().Msg("in-process bus initialized")
	}
	return nil
}

func (a *App) initBinder(c config.BindingConfig, live *binding.Live) error {
	a.Binder = binding.NewRouter().Handle(binding.IsConn, live)

	if c.Format == "template" {
		a.template = binding.NewTemplate(c.Extension, a.Logger).WithRoot(c.TemplatePath)
		a.Binder.Handle(binding.IsWriter, a.template)
		return nil
	}

	f, ok := formatter.Get(c.Format)
	if !ok {
		return fmt.Errorf("unknown format %q", c.Format)
	}
	a.Binder.Handle(binding.IsWriter, binding.NewConsole(f, formatter.FormatOptions{}, a.Logger))
	return nil
}

// loadDefinitions loads dir into the runtime. A missing directory leaves
// the runtime with no classes.
func (a *App) loadDefinitions(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		a.Logger.Warn().Str("dir", dir).Msg("definitions directory not found, no classes loaded")
		return nil
	}
	if err := a.Runtime.LoadDir(dir); err != nil {
		return err
	}
	a.Logger.Info().
		Str("dir", dir).
		Int("classes", len(a.Runtime.Classes())).
		Msg("definitions loaded")
	return nil
}

func (a *App) initHTTPServer(c *config.Config, cfg Config, live *binding.Live) {
	api := apihttp.NewViewModelHandler(a.Runtime, apihttp.ViewModelConfig{Live: live}, a.Logger)

	checks := map[string]apihttp.HealthChecker{}
	if a.natsBus != nil {
		bus := a.natsBus
		checks["bus"] = apihttp.HealthCheckFunc(func(ctx context.Context) error {
			if !bus.Healthy() {
				return natsbus.ErrNotConnected
			}
			return nil
		})
	}
	health := apihttp.NewHealthHandler(checks)

	routerCfg := apihttp.RouterConfig{
		Metrics:        a.Metrics,
		MetricsPath:    c.Metrics.Path,
		Version:        cfg.Version,
		RequestTimeout: c.Server.WriteTimeout,
	}
	if a.Metrics != nil && cfg.Registry != nil {
		routerCfg.MetricsHandler = promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})
	}

	router := apihttp.NewRouterWithConfig(api, health, a.Logger, routerCfg)

	a.HTTPServer = &http.Server{
		Addr:        c.Server.Addr(),
		Handler:     router,
		ReadTimeout: c.Server.ReadTimeout,
		// No WriteTimeout: live connections are long-lived, other routes
		// are bounded by the router's request timeout.
	}

	a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("http server configured")
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	if err := a.watch(); err != nil {
		a.Logger.Warn().Err(err).Msg("hot reload unavailable")
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// watch enables hot reload: SIGHUP and config file changes reload the
// configuration and definitions, and definition file changes reload
// definitions when definitions.watch is set.
func (a *App) watch() error {
	if a.Metrics != nil {
		a.Config.OnReloadAttempt(a.Metrics.Reloaded)
	}
	a.Config.OnChange(func(c *config.Config) {
		if err := a.ReloadDefinitions(c.Definitions.Dir); err != nil {
			a.Logger.Error().Err(err).Msg("definitions reload failed")
		}
	})
	a.Config.WatchSignals()

	var errs []error
	if a.Config.Path() != "" {
		if err := a.Config.WatchFile(); err != nil {
			errs = append(errs, err)
		}
	}

	c := a.Config.Get()
	if c.Definitions.Watch {
		err := a.Config.WatchDir(c.Definitions.Dir, func() {
			err := a.ReloadDefinitions(a.Config.Get().Definitions.Dir)
			if a.Metrics != nil {
				a.Metrics.Reloaded(err)
			}
			if err != nil {
				a.Logger.Error().Err(err).Msg("definitions reload failed")
			}
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReloadDefinitions replaces the loaded classes with those in dir and
// re-installs the message routes of every live instance. On failure the
// previous classes stay loaded.
func (a *App) ReloadDefinitions(dir string) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if err := a.Runtime.ReloadDir(dir); err != nil {
		return err
	}
	if a.template != nil {
		a.template.Invalidate()
	}
	if err := a.Runtime.ReconfigureAll(); err != nil {
		return fmt.Errorf("reconfigure instances: %w", err)
	}

	a.Logger.Info().
		Str("dir", dir).
		Int("classes", len(a.Runtime.Classes())).
		Int("instances", a.Runtime.Count()).
		Msg("definitions reloaded")
	return nil
}

// Shutdown gracefully stops the application. It is safe to call more
// than once.
func (a *App) Shutdown() error {
	var err error
	a.closeOnce.Do(func() {
		timeout := a.Config.Get().Server.ShutdownTimeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		a.Config.Stop()

		// Shutdown HTTP server
		if a.HTTPServer != nil {
			if shutdownErr := a.HTTPServer.Shutdown(ctx); shutdownErr != nil {
				a.Logger.Error().Err(shutdownErr).Msg("http server shutdown error")
				err = shutdownErr
			}
		}

		// Dispose instances before the bus goes away
		if a.Runtime != nil {
			a.Runtime.Close()
		}

		a.closeBus()

		a.Logger.Info().Msg("shutdown complete")
	})
	return err
}

func (a *App) closeBus() {
	if a.natsBus == nil {
		return
	}
	if err := a.natsBus.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("bus close error")
	}
}

func setupLogger(c config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
