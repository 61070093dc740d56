// Package app wires all subsystems into a running voice bridge.
//
// The App struct owns the full lifecycle: New connects the switch control
// channel, the tenant config store, telemetry, and the provider registry,
// then builds the WebSocket server around a session factory. Run serves
// until the context is cancelled; Shutdown tears everything down in
// reverse-init order.
//
// For testing, inject doubles via functional options (WithControl,
// WithStore, WithProviders). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocero-ai/vocero/internal/calllog"
	"github.com/vocero-ai/vocero/internal/config"
	"github.com/vocero-ai/vocero/internal/health"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/server"
	"github.com/vocero-ai/vocero/internal/session"
	"github.com/vocero-ai/vocero/internal/switchctl"
	"github.com/vocero-ai/vocero/internal/tools"
	"github.com/vocero-ai/vocero/internal/transfer"
	"github.com/vocero-ai/vocero/pkg/provider"
	"github.com/vocero-ai/vocero/pkg/provider/elevenlabs"
	"github.com/vocero-ai/vocero/pkg/provider/openai"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	control   switchctl.Control
	store     config.Store
	loader    *config.Loader
	pool      *pgxpool.Pool
	providers *provider.Registry
	uploader  *calllog.Uploader
	metrics   *observe.Metrics
	server    *server.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithControl injects a switch control channel instead of dialing ESL.
func WithControl(c switchctl.Control) Option {
	return func(a *App) { a.control = c }
}

// WithStore injects a tenant config store instead of dialing Postgres.
func WithStore(s config.Store) Option {
	return func(a *App) { a.store = s }
}

// WithProviders injects a provider registry instead of the built-in set.
func WithProviders(r *provider.Registry) Option {
	return func(a *App) { a.providers = r }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	cfg.ApplyDefaults()

	a := &App{
		cfg:     cfg,
		logger:  slog.Default().With("component", "app"),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if a.providers == nil {
		reg := provider.NewRegistry()
		openai.Register(reg)
		elevenlabs.Register(reg)
		a.providers = reg
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initControl(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init switch control: %w", err)
	}

	a.uploader = calllog.NewUploader(cfg.Webhook.URL, cfg.Webhook.Timeout, a.logger)

	srv, err := server.New(server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		NewSession: a.newSession,
		Health:     health.New(a.healthCheckers()...),
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.server = srv
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Database.PostgresDSN
		if dsn == "" {
			a.logger.Info("tenant store disabled, using static provider config")
			return nil
		}
		store, pool, err := config.Dial(ctx, dsn)
		if err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		a.store = store
		a.pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
	}
	a.loader = config.NewLoader(a.store, a.cfg.Database.CacheTTL, a.cfg.Database.CacheSize, a.logger)
	return nil
}

func (a *App) initControl(ctx context.Context) error {
	if a.control != nil {
		return nil
	}
	client, err := switchctl.Dial(ctx, a.cfg.Switch.ESLAddr, a.cfg.Switch.ESLPassword, a.logger)
	if err != nil {
		return err
	}
	a.control = client
	a.closers = append(a.closers, client.Close)
	return nil
}

func (a *App) healthCheckers() []health.Checker {
	checkers := []health.Checker{{
		Name: "switch",
		Check: func(ctx context.Context) error {
			_, err := a.control.ExecuteAPI(ctx, "status")
			return err
		},
	}}
	if a.pool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: a.pool.Ping,
		})
	}
	return checkers
}

// Run serves stream connections until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("voice bridge running", "addr", a.cfg.Server.ListenAddr)
	return a.server.Run(ctx)
}

// InvalidateTenantCache drops every cached tenant config entry so the next
// call re-reads the store. Wired to the config watcher.
func (a *App) InvalidateTenantCache() {
	if a.loader != nil {
		a.loader.Invalidate("", "")
	}
}

// Shutdown tears down all subsystems in reverse-init order.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))
		a.closeAll()
	})
	return ctx.Err()
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("closer failed", "index", i, "error", err)
		}
	}
	a.closers = nil
}

// ── session factory ──

// tenantSetup is everything the factory resolves per call.
type tenantSetup struct {
	tenantID    string
	secretary   *config.SecretaryConfig
	credentials map[string]config.ProviderCredentials
	rules       *config.TransferRules

	outsideHours   bool
	outsideMessage string
}

// newSession resolves tenant config for the stream identifiers and builds
// the caller-leg session, with the handoff wired to the transfer manager.
func (a *App) newSession(ctx context.Context, p server.StreamParams) (*session.Session, error) {
	ts, err := a.resolveTenant(ctx, p)
	if err != nil {
		return nil, err
	}

	var sess *session.Session
	cfg := session.Config{
		CallID:      p.CallUUID,
		TenantID:    ts.tenantID,
		CallerID:    p.CallerID,
		SecretaryID: p.SecretaryID,

		Secretary:     ts.secretary,
		Credentials:   ts.credentials,
		TransferRules: ts.rules,
		Defaults:      a.cfg.Session,

		OutsideHours:        ts.outsideHours,
		OutsideHoursMessage: ts.outsideMessage,

		Providers: a.providers,
		Uploader:  a.uploader,
		Metrics:   a.metrics,
		Logger:    a.logger,

		Handoff: func(ctx context.Context, req tools.HandoffRequest) error {
			return a.runTransfer(ctx, sess, p, ts, req)
		},
		ExtensionCheck: a.extensionAvailable,
		Hold: func(ctx context.Context) error {
			return a.simpleAPI(ctx, "uuid_hold "+p.CallUUID)
		},
		Unhold: func(ctx context.Context) error {
			return a.simpleAPI(ctx, "uuid_hold off "+p.CallUUID)
		},
	}

	s, err := session.New(cfg)
	if err != nil {
		return nil, err
	}
	sess = s
	return s, nil
}

// resolveTenant loads per-tenant config through the caching loader, or
// falls back to the static YAML provider block when no store is wired.
func (a *App) resolveTenant(ctx context.Context, p server.StreamParams) (*tenantSetup, error) {
	if a.loader == nil {
		return a.staticTenant(p)
	}

	tenantID, err := a.loader.SecretaryTenant(ctx, p.SecretaryID)
	if err != nil {
		return nil, fmt.Errorf("app: resolve tenant for secretary %s: %w", p.SecretaryID, err)
	}
	sec, err := a.loader.Secretary(ctx, tenantID, p.SecretaryID)
	if err != nil {
		return nil, fmt.Errorf("app: load secretary: %w", err)
	}

	creds := a.staticCredentials()
	for _, name := range append([]string{sec.Provider}, sec.Fallbacks...) {
		c, err := a.loader.Credentials(ctx, tenantID, name)
		if errors.Is(err, config.ErrNotFound) {
			continue // the static block may cover this provider
		}
		if err != nil {
			return nil, fmt.Errorf("app: load credentials %s: %w", name, err)
		}
		creds[name] = *c
	}
	if _, ok := creds[sec.Provider]; !ok {
		return nil, fmt.Errorf("app: no credentials for provider %q", sec.Provider)
	}

	ts := &tenantSetup{
		tenantID:    tenantID,
		secretary:   sec,
		credentials: creds,
	}

	rules, err := a.loader.TransferRules(ctx, tenantID)
	switch {
	case errors.Is(err, config.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("app: load transfer rules: %w", err)
	default:
		ts.rules = rules
	}

	tc, err := a.loader.TimeCondition(ctx, tenantID)
	switch {
	case errors.Is(err, config.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("app: load time condition: %w", err)
	default:
		if open, message, _ := tc.Evaluate(time.Now()); !open {
			ts.outsideHours = true
			if message == "" {
				message = sec.OutOfHoursGreeting
			}
			ts.outsideMessage = message
		}
	}
	return ts, nil
}

// staticTenant builds a single-tenant setup from the YAML provider block.
func (a *App) staticTenant(p server.StreamParams) (*tenantSetup, error) {
	creds := a.staticCredentials()

	primary := ""
	for _, name := range []string{openai.Name, elevenlabs.Name} {
		if _, ok := creds[name]; ok {
			primary = name
			break
		}
	}
	if primary == "" {
		return nil, fmt.Errorf("app: no provider credentials configured")
	}

	return &tenantSetup{
		tenantID: "default",
		secretary: &config.SecretaryConfig{
			TenantID:    "default",
			SecretaryID: p.SecretaryID,
			DisplayName: "Assistente",
			Provider:    primary,
			Language:    "pt-BR",
			BargeIn:     true,
		},
		credentials: creds,
	}, nil
}

func (a *App) staticCredentials() map[string]config.ProviderCredentials {
	creds := make(map[string]config.ProviderCredentials)
	if e := a.cfg.Providers.OpenAI; e.APIKey != "" {
		creds[openai.Name] = config.ProviderCredentials{
			Provider: openai.Name,
			APIKey:   e.APIKey,
			Model:    e.Model,
			BaseURL:  e.BaseURL,
		}
	}
	if e := a.cfg.Providers.ElevenLabs; e.APIKey != "" {
		creds[elevenlabs.Name] = config.ProviderCredentials{
			Provider: elevenlabs.Name,
			APIKey:   e.APIKey,
			AgentID:  e.AgentID,
			BaseURL:  e.BaseURL,
		}
	}
	return creds
}

// runTransfer executes one handoff attempt on behalf of the session's
// transfer tool.
func (a *App) runTransfer(ctx context.Context, sess *session.Session, p server.StreamParams, ts *tenantSetup, req tools.HandoffRequest) error {
	mgr, err := transfer.New(transfer.Config{
		Control:     a.control,
		Session:     sess,
		CallUUID:    p.CallUUID,
		CallerID:    p.CallerID,
		TenantID:    ts.tenantID,
		SecretaryID: p.SecretaryID,

		Secretary:   ts.secretary,
		Credentials: ts.credentials,
		Rules:       ts.rules,
		Defaults:    a.cfg.Session,
		Settings:    a.cfg.Transfer,

		Providers: a.providers,
		Metrics:   a.metrics,
		Logger:    a.logger,

		DialPrefix: a.cfg.Switch.DialPrefix,
		StreamBase: a.cfg.Server.PublicStreamBase,

		RegisterAux:   a.server.Register,
		UnregisterAux: a.server.Unregister,
		PendingBytes:  a.server.PendingBytes,
	})
	if err != nil {
		return err
	}
	return mgr.Run(ctx, req)
}

// extensionAvailable asks the switch whether an extension is registered.
func (a *App) extensionAvailable(ctx context.Context, extension string) (bool, error) {
	resp, err := a.control.ExecuteAPI(ctx, "sofia_contact "+extension)
	if err != nil {
		return false, err
	}
	resp = strings.TrimSpace(resp)
	if resp == "" || strings.HasPrefix(resp, "error/") || strings.HasPrefix(resp, "-ERR") {
		return false, nil
	}
	return true, nil
}

func (a *App) simpleAPI(ctx context.Context, cmd string) error {
	resp, err := a.control.ExecuteAPI(ctx, cmd)
	if err != nil {
		return err
	}
	if strings.HasPrefix(strings.TrimSpace(resp), "-ERR") {
		return fmt.Errorf("app: %s: %s", strings.Fields(cmd)[0], strings.TrimSpace(resp))
	}
	return nil
}
