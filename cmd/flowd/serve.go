package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/servicehero/flowd/internal/api"
	"github.com/servicehero/flowd/internal/engine"
	"github.com/servicehero/flowd/internal/expressions"
	"github.com/servicehero/flowd/internal/identity"
	"github.com/servicehero/flowd/internal/integrations"
	"github.com/servicehero/flowd/internal/logging"
	"github.com/servicehero/flowd/internal/scheduler"
	"github.com/servicehero/flowd/internal/secrets"
	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/internal/streaming"
	"github.com/servicehero/flowd/internal/validation"
)

// app bundles the wired components so serve and mcp share one builder.
type app struct {
	store     *store.LibSQLStore
	vault     secrets.Vault
	registry  *integrations.Registry
	providers *integrations.ProviderManager
	hub       *streaming.MemoryHub
	quota     *identity.Quota
	validator *validation.TemplateValidator
	executor  engine.Executor
	scheduler *scheduler.Scheduler
	api       *api.Server
	logger    *slog.Logger
}

func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	// Vault is optional: without a passphrase the builtins run in mock mode.
	var vault secrets.Vault
	if passphrase := os.Getenv("FLOWD_VAULT_KEY"); passphrase != "" {
		salt, saltErr := loadOrCreateSalt()
		if saltErr != nil {
			st.Close()
			return nil, fmt.Errorf("vault salt: %w", saltErr)
		}
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: passphrase,
			Salt:       salt,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open vault: %w", err)
		}
	}
	creds := integrations.VaultCredentials{Vault: vault}

	registry := integrations.NewRegistry()
	builtins := []integrations.Integration{
		integrations.NewHTTPIntegration(integrations.HTTPConfig{}),
		integrations.NewSMSIntegration(creds, logger),
		integrations.NewEmailIntegration(creds, logger),
		integrations.NewCalendarIntegration(creds, logger),
	}
	for _, integ := range builtins {
		if err := registry.Register(integ); err != nil {
			st.Close()
			return nil, fmt.Errorf("register integration %s: %w", integ.Name(), err)
		}
	}

	providers := integrations.NewProviderManager(registry, logger)
	for _, pc := range cfg.Providers {
		if err := providers.Launch(ctx, pc); err != nil {
			logger.Error("provider launch failed",
				slog.String("provider", pc.Name),
				slog.String("error", err.Error()))
		}
	}

	conditions, err := expressions.NewConditions()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("condition engines: %w", err)
	}
	validator, err := validation.NewTemplateValidator(conditions)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("template validator: %w", err)
	}

	hub := streaming.NewMemoryHub()
	quota := identity.NewQuota(st)

	executor := engine.NewExecutor(st, registry, conditions, validator,
		engine.ExecutorConfig{
			PoolSize:         cfg.PoolSize,
			ExecutionTimeout: cfg.execTimeout(),
		},
		engine.WithLogger(logger),
		engine.WithQuotaGate(quota),
		engine.WithEventSink(streaming.NewHubSink(hub)),
	)

	sched := scheduler.NewScheduler(st, executor, logger)

	apiSrv := api.NewServer(api.Deps{
		Store:     st,
		Executor:  executor,
		Hub:       hub,
		Validator: validator,
		Quota:     quota,
		Logger:    logger,
	})

	return &app{
		store:     st,
		vault:     vault,
		registry:  registry,
		providers: providers,
		hub:       hub,
		quota:     quota,
		validator: validator,
		executor:  executor,
		scheduler: sched,
		api:       apiSrv,
		logger:    logger,
	}, nil
}

// httpHandler returns the full API or a health-only mux per the API toggle.
func (a *app) httpHandler(apiEnabled bool) http.Handler {
	if apiEnabled {
		return a.api.Handler()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// close tears components down in reverse dependency order.
func (a *app) close(ctx context.Context) {
	a.scheduler.Stop()
	if err := a.executor.Shutdown(ctx); err != nil {
		a.logger.Warn("executor shutdown", slog.String("error", err.Error()))
	}
	if err := a.providers.StopAll(); err != nil {
		a.logger.Warn("provider shutdown", slog.String("error", err.Error()))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", slog.String("error", err.Error()))
	}
}

func runServe() {
	cfg := loadConfig()

	level := new(slog.LevelVar)
	level.Set(parseLogLevel(cfg.LogLevel))
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	writePidFile(logger)
	defer removePidFile()

	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		logger.Warn("missed trigger recovery", slog.String("error", err.Error()))
	}
	if err := a.scheduler.Start(ctx); err != nil {
		logger.Error("scheduler start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	swapper := newHandlerSwapper(a.httpHandler(cfg.API))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("flowd listening",
			slog.String("addr", cfg.ListenAddr),
			slog.Bool("api", cfg.API),
			slog.String("db", cfg.DBPath))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	// SIGHUP reloads settings.json: log level and the API toggle apply live,
	// everything else needs a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		current := cfg
		for range hup {
			next := loadConfig()
			d := diffConfigs(current, next)
			if d.LogLevelChanged {
				level.Set(parseLogLevel(next.LogLevel))
				logger.Info("log level changed", slog.String("level", next.LogLevel))
			}
			if d.APIChanged {
				swapper.Swap(a.httpHandler(next.API))
				logger.Info("api toggle changed", slog.Bool("api", next.API))
			}
			for _, field := range d.RestartNeeded {
				logger.Warn("config change requires restart", slog.String("field", field))
			}
			current = next
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	a.close(shutdownCtx)
	logger.Info("goodbye")
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadOrCreateSalt reads the persistent PBKDF2 salt, generating it on first
// use. The salt must survive restarts or stored secrets become unreadable.
func loadOrCreateSalt() ([]byte, error) {
	path := filepath.Join(flowdDir(), "vault.salt")
	if data, err := os.ReadFile(path); err == nil && len(data) >= 16 {
		return data, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(flowdDir(), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

func writePidFile(logger *slog.Logger) {
	if err := os.MkdirAll(flowdDir(), 0o700); err != nil {
		logger.Warn("cannot create flowd dir", slog.String("error", err.Error()))
		return
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(pidPath(), []byte(pid), 0o644); err != nil {
		logger.Warn("cannot write pidfile", slog.String("error", err.Error()))
	}
}

func removePidFile() {
	_ = os.Remove(pidPath())
}
