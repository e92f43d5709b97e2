package update

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"

	"github.com/obentoo/catalogkit/internal/common/concurrency"
	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/common/semver"
	"github.com/obentoo/catalogkit/internal/registry"
	"github.com/obentoo/catalogkit/internal/security"
	"github.com/obentoo/catalogkit/internal/workspace"
)

// VersionSource resolves registry versions for the checker and planner
type VersionSource interface {
	GetTargetVersion(ctx context.Context, name, current string, target registry.Target, includePrerelease bool) (string, error)
	GetGreatestVersion(ctx context.Context, name, rangeStr string) (string, error)
	GetLatestVersion(ctx context.Context, name string) (string, error)
}

// ProgressFunc receives the number of checked entries out of total
type ProgressFunc func(completed, total int)

// CheckOptions selects what a check covers
type CheckOptions struct {
	// Catalog restricts the check to one catalog
	Catalog string
	// Target applies to packages without their own override
	Target            registry.Target
	IncludePrerelease bool
	// Include and Exclude replace the policy patterns when set
	Include      []string
	Exclude      []string
	SkipSecurity bool
	// Force checks packages the policy marks as skipped
	Force      bool
	OnProgress ProgressFunc
}

// Checker finds outdated catalog entries
type Checker struct {
	ws      *workspace.Workspace
	source  VersionSource
	scanner security.Scanner
	policy  *Policy
	ctrl    *concurrency.Controller
	log     *logger.Logger
	nowFunc func() time.Time
}

// CheckerOption is a functional option for configuring Checker
type CheckerOption func(*Checker)

// WithScanner sets the security signal; without one no security data is
// attached
func WithScanner(s security.Scanner) CheckerOption {
	return func(c *Checker) {
		c.scanner = s
	}
}

// WithPolicy sets the update policy
func WithPolicy(p *Policy) CheckerOption {
	return func(c *Checker) {
		c.policy = p
	}
}

// WithController sets the controller bounding per-package checks
func WithController(ctrl *concurrency.Controller) CheckerOption {
	return func(c *Checker) {
		c.ctrl = ctrl
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) CheckerOption {
	return func(c *Checker) {
		c.log = l
	}
}

// WithNowFunc sets a custom time function for testing
func WithNowFunc(fn func() time.Time) CheckerOption {
	return func(c *Checker) {
		c.nowFunc = fn
	}
}

// NewChecker creates a checker over ws
func NewChecker(ws *workspace.Workspace, source VersionSource, opts ...CheckerOption) *Checker {
	c := &Checker{
		ws:      ws,
		source:  source,
		log:     logger.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy == nil {
		c.policy = DefaultPolicy()
		c.policy.Validate()
	}
	if c.ctrl == nil {
		c.ctrl = concurrency.New(concurrency.DefaultConcurrency)
	}
	return c
}

// entry is one catalog entry queued for checking
type entry struct {
	catalog string
	pkg     string
	rng     string
}

// filter holds the include and exclude patterns of one check
type filter struct {
	policy  *Policy
	include []glob.Glob
	exclude []glob.Glob
	force   bool
}

func (c *Checker) newFilter(opts CheckOptions) (*filter, error) {
	f := &filter{
		policy:  c.policy,
		include: c.policy.include,
		exclude: c.policy.exclude,
		force:   opts.Force,
	}
	var err error
	if len(opts.Include) > 0 {
		if f.include, err = compilePatterns(opts.Include); err != nil {
			return nil, err
		}
	}
	if len(opts.Exclude) > 0 {
		if f.exclude, err = compilePatterns(opts.Exclude); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *filter) allows(name string) bool {
	if !f.force && f.policy.Rule(name).Skip {
		return false
	}
	if len(f.include) > 0 && !matchAny(f.include, name) {
		return false
	}
	return !matchAny(f.exclude, name)
}

// Check resolves every selected catalog entry against the registry.
// Catalogs are checked concurrently; entries that could not be checked are
// listed in the report's failures rather than failing the check.
func (c *Checker) Check(ctx context.Context, opts CheckOptions) (*OutdatedReport, error) {
	catalogs := c.ws.Catalogs()
	if opts.Catalog != "" {
		cat, err := c.ws.Catalog(opts.Catalog)
		if err != nil {
			return nil, err
		}
		catalogs = []*workspace.Catalog{cat}
	}

	f, err := c.newFilter(opts)
	if err != nil {
		return nil, err
	}

	queues := make([][]entry, len(catalogs))
	total := 0
	for i, cat := range catalogs {
		for _, pkg := range cat.Names() {
			if !f.allows(pkg) {
				c.log.Debug("skipping %s in catalog %s by policy", pkg, cat.Name)
				continue
			}
			rng, _ := cat.Get(pkg)
			queues[i] = append(queues[i], entry{catalog: cat.Name, pkg: pkg, rng: rng})
		}
		total += len(queues[i])
	}

	var completed atomic.Int64
	var progressMu sync.Mutex
	progress := func() {
		if opts.OnProgress == nil {
			completed.Add(1)
			return
		}
		// counted under the lock so callbacks see increasing values
		progressMu.Lock()
		defer progressMu.Unlock()
		opts.OnProgress(int(completed.Add(1)), total)
	}

	reports := make([]CatalogReport, len(catalogs))
	failures := make([][]registry.PackageFailure, len(catalogs))

	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range catalogs {
		g.Go(func() error {
			reports[i], failures[i] = c.checkCatalog(gctx, cat, queues[i], opts, progress)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &OutdatedReport{
		Timestamp:     c.nowFunc(),
		TotalCatalogs: len(catalogs),
		Catalogs:      reports,
	}
	for i := range reports {
		report.TotalPackages += reports[i].TotalPackages
		report.OutdatedCount += reports[i].OutdatedCount
		report.Failures = append(report.Failures, failures[i]...)
	}
	sort.SliceStable(report.Failures, func(i, j int) bool {
		return report.Failures[i].Package < report.Failures[j].Package
	})
	report.HasUpdates = report.OutdatedCount > 0

	c.log.Info("checked %d packages in %d catalogs: %d outdated, %d failed",
		report.TotalPackages, report.TotalCatalogs, report.OutdatedCount, len(report.Failures))
	return report, nil
}

func (c *Checker) checkCatalog(ctx context.Context, cat *workspace.Catalog, queue []entry, opts CheckOptions, progress func()) (CatalogReport, []registry.PackageFailure) {
	log := c.log.With("catalog", cat.Name)

	results := concurrency.Map(ctx, c.ctrl, queue, func(ctx context.Context, e entry) (*OutdatedDependencyInfo, error) {
		return c.checkEntry(ctx, e, opts)
	}, func(int, int, concurrency.Result[*OutdatedDependencyInfo]) {
		progress()
	})

	report := CatalogReport{
		CatalogName:   cat.Name,
		TotalPackages: len(queue),
		Outdated:      []OutdatedDependencyInfo{},
	}
	var failures []registry.PackageFailure
	for i, res := range results {
		if res.Err != nil {
			log.Warn("failed to check %s: %v", queue[i].pkg, res.Err)
			failures = append(failures, registry.PackageFailure{
				Package: queue[i].pkg,
				Error:   fmt.Sprintf("catalog %s: %v", cat.Name, res.Err),
				Err:     res.Err,
			})
			continue
		}
		if res.Value != nil {
			report.Outdated = append(report.Outdated, *res.Value)
		}
	}
	sort.Slice(report.Outdated, func(i, j int) bool {
		return report.Outdated[i].PackageName < report.Outdated[j].PackageName
	})
	report.OutdatedCount = len(report.Outdated)
	return report, failures
}

// checkEntry returns nil when the entry is up to date or cannot be
// compared (open ranges such as "*")
func (c *Checker) checkEntry(ctx context.Context, e entry, opts CheckOptions) (*OutdatedDependencyInfo, error) {
	r, err := semver.ParseRange(e.rng)
	if err != nil {
		return nil, err
	}
	if r.IsAny() {
		return nil, nil
	}
	current := r.MinVersion()
	if current == nil {
		return nil, nil
	}

	target := c.policy.TargetFor(e.pkg, opts.Target)
	includePre := opts.IncludePrerelease || c.policy.IncludePrerelease

	latest, err := c.resolve(ctx, e.pkg, current, target, includePre)
	if err != nil {
		return nil, err
	}

	var report *security.Report
	if c.scanner != nil && !opts.SkipSecurity && c.policy.Security.Enabled {
		report = c.scanner.CheckVulnerabilities(ctx, e.pkg, current.String())
		if report.HasVulnerabilities() && c.policy.Security.AllowMajorForSecurity && target != registry.TargetLatest {
			fix, err := c.resolve(ctx, e.pkg, current, registry.TargetLatest, includePre)
			if err != nil {
				c.log.Debug("security re-resolve of %s failed: %v", e.pkg, err)
			} else if fix != nil && (latest == nil || fix.IsNewerThan(latest)) {
				latest = fix
			}
		}
	}

	if latest == nil || !latest.IsNewerThan(current) {
		return nil, nil
	}

	info := &OutdatedDependencyInfo{
		PackageName:      e.pkg,
		CatalogName:      e.catalog,
		CurrentVersion:   current.String(),
		LatestVersion:    latest.String(),
		UpdateType:       current.DiffType(latest),
		IsSecurityUpdate: report.HasVulnerabilities(),
		AffectedPackages: c.ws.PackagesUsing(e.catalog, e.pkg),
	}
	if report != nil {
		info.Vulnerabilities = len(report.Vulnerabilities)
	}
	if info.AffectedPackages == nil {
		info.AffectedPackages = []string{}
	}
	if wanted, err := c.source.GetGreatestVersion(ctx, e.pkg, e.rng); err == nil {
		info.Wanted = wanted
	}
	return info, nil
}

// resolve returns nil, nil when no version matches the target or the match
// is a prerelease that was not asked for
func (c *Checker) resolve(ctx context.Context, name string, current *semver.Version, target registry.Target, includePre bool) (*semver.Version, error) {
	raw, err := c.source.GetTargetVersion(ctx, name, current.String(), target, includePre)
	if err != nil {
		if errors.Is(err, registry.ErrNoSatisfyingVersion) {
			return nil, nil
		}
		return nil, err
	}
	v, err := semver.Parse(raw)
	if err != nil {
		return nil, err
	}
	if v.IsPrerelease() && !includePre {
		return nil, nil
	}
	return v, nil
}

// CheckPackage checks one package in every catalog declaring it. The
// result is empty when the package is up to date everywhere.
func (c *Checker) CheckPackage(ctx context.Context, name string, opts CheckOptions) ([]OutdatedDependencyInfo, error) {
	catalogs := c.ws.CatalogsWith(name)
	if len(catalogs) == 0 {
		return nil, fmt.Errorf("%w: %s (catalogs: %s)", ErrPackageNotFound, name, strings.Join(c.ws.CatalogNames(), ", "))
	}

	var out []OutdatedDependencyInfo
	for _, catName := range catalogs {
		cat, err := c.ws.Catalog(catName)
		if err != nil {
			return nil, err
		}
		rng, _ := cat.Get(name)
		info, err := c.checkEntry(ctx, entry{catalog: catName, pkg: name, rng: rng}, opts)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", catName, err)
		}
		if info != nil {
			out = append(out, *info)
		}
	}
	return out, nil
}
