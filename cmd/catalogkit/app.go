package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/obentoo/catalogkit/internal/common/cache"
	"github.com/obentoo/catalogkit/internal/common/concurrency"
	"github.com/obentoo/catalogkit/internal/common/config"
	"github.com/obentoo/catalogkit/internal/common/httpclient"
	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/common/version"
	"github.com/obentoo/catalogkit/internal/registry"
	"github.com/obentoo/catalogkit/internal/security"
	"github.com/obentoo/catalogkit/internal/update"
	"github.com/obentoo/catalogkit/internal/workspace"
)

// securityTTLFactor scales the base cache TTL for advisory results
const securityTTLFactor = 6

// app holds the services shared by the commands
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	root     string
	repo     *workspace.Repository
	ws       *workspace.Workspace
	policy   *update.Policy
	cache    *cache.Cache[json.RawMessage]
	registry *registry.Client
	osv      *security.OSVClient
	scanner  security.Scanner
}

// newApp loads the configuration and wires the registry and security
// clients. With needWorkspace it also locates and loads the workspace and
// its update policy; otherwise a workspace is only used for .npmrc lookup
// when one is found.
func newApp(ctx context.Context, needWorkspace bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	a := &app{cfg: cfg, log: logger.Default()}

	a.root, err = resolveRoot()
	if err != nil && needWorkspace {
		return nil, err
	}

	if needWorkspace {
		if err := a.loadWorkspace(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	if err := a.wireClients(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) loadWorkspace(ctx context.Context) error {
	var err error
	if a.policy, err = update.LoadPolicy(a.root); err != nil {
		return err
	}
	a.repo = workspace.NewRepository(a.root, workspace.WithLogger(a.log))
	if a.ws, err = a.repo.Load(ctx); err != nil {
		return err
	}
	for _, msg := range a.ws.Invalid {
		a.log.Warn("%s", msg)
	}
	return nil
}

func resolveRoot() (string, error) {
	start := workspaceDir
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		start = wd
	}
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	return workspace.FindRoot(afero.NewOsFs(), abs)
}

func (a *app) wireClients() error {
	home, _ := os.UserHomeDir()
	rc, err := registry.LoadNpmrc(home, a.root, a.cfg.Registry.URL)
	if err != nil {
		return fmt.Errorf("reading .npmrc: %w", err)
	}

	h := newHTTPClient(a.cfg)

	ctrl := concurrency.New(a.cfg.Concurrency.Limit,
		concurrency.WithRateLimit(a.cfg.Concurrency.RatePerSecond, time.Second))

	regOpts := []registry.Option{
		registry.WithNpmrc(rc),
		registry.WithHTTPClient(h),
		registry.WithController(ctrl),
		registry.WithLogger(a.log),
	}
	osvOpts := []security.OSVOption{
		security.WithBaseURL(a.cfg.Security.OSVURL),
		security.WithHTTPClient(h),
		security.WithController(ctrl),
		security.WithSafeVersionLimit(a.cfg.Security.SafeVersionSearchLimit),
		security.WithLogger(a.log),
	}

	if a.cfg.Cache.Enabled {
		if a.cache, err = openCache(a.cfg, a.log); err != nil {
			return err
		}
		regOpts = append(regOpts, registry.WithCache(a.cache, a.cfg.Cache.TTL))
		osvOpts = append(osvOpts, security.WithCache(a.cache, securityTTLFactor*a.cfg.Cache.TTL))
	}

	a.registry = registry.NewClient(regOpts...)
	a.osv = security.NewOSVClient(append(osvOpts, security.WithPackageSource(a.registry))...)

	switch a.cfg.Security.Backend {
	case config.SecurityBackendNpmAudit:
		a.scanner = a.registry
	default:
		a.scanner = a.osv
	}
	return nil
}

// newHTTPClient returns the retrying client shared by the registry and
// advisory clients. Backoff delays keep their defaults.
func newHTTPClient(cfg *config.Config) *httpclient.Client {
	rc := httpclient.DefaultRetryConfig()
	if cfg.Registry.Retries > 0 {
		rc.Attempts = cfg.Registry.Retries
	}
	if cfg.Registry.Timeout > 0 {
		rc.Timeout = cfg.Registry.Timeout
	}
	h := httpclient.NewWithConfig(rc)
	h.SetDefaultHeaders(map[string]string{"User-Agent": version.UserAgent()})
	return h
}

// openCache opens the shared response cache, persisted under the cache
// directory when disk caching is on
func openCache(cfg *config.Config, log *logger.Logger) (*cache.Cache[json.RawMessage], error) {
	opts := []cache.Option[json.RawMessage]{
		cache.WithTTL[json.RawMessage](cfg.Cache.TTL),
		cache.WithMaxEntries[json.RawMessage](cfg.Cache.MaxEntries),
		cache.WithMaxSize[json.RawMessage](cfg.Cache.MaxSizeBytes()),
		cache.WithLogger[json.RawMessage](log),
	}
	if cfg.Cache.Disk {
		dir, err := config.CacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving cache directory: %w", err)
		}
		opts = append(opts, cache.WithDiskDir[json.RawMessage](filepath.Join(dir, "responses")))
	}
	return cache.New(opts...), nil
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Destroy()
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

func (a *app) checker() *update.Checker {
	opts := []update.CheckerOption{
		update.WithPolicy(a.policy),
		update.WithLogger(a.log),
	}
	if a.policy.Security.Enabled {
		opts = append(opts, update.WithScanner(a.scanner))
	}
	return update.NewChecker(a.ws, a.registry, opts...)
}

func (a *app) planner() *update.Planner {
	return update.NewPlanner(a.registry, a.policy, a.log)
}

func (a *app) executor() *update.Executor {
	return update.NewExecutor(a.ws, a.repo, a.log)
}

func (a *app) planStore() (*update.PlanStore, error) {
	dir, err := config.StateDir()
	if err != nil {
		return nil, err
	}
	return update.NewPlanStore(dir)
}
