package update

import (
	"context"
	"fmt"
	"time"

	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/common/semver"
	"github.com/obentoo/catalogkit/internal/workspace"
)

// reasonConflictSkip is the skip reason for conflicting updates without force
const reasonConflictSkip = "conflict — use force"

// WorkspaceStore persists a workspace. *workspace.Repository implements it.
type WorkspaceStore interface {
	Save(ws *workspace.Workspace) error
	Backup() (string, error)
}

// ExecuteOptions controls one execution
type ExecuteOptions struct {
	// DryRun reports what would change without touching the workspace
	DryRun bool
	// Force applies updates of packages with recorded conflicts
	Force        bool
	CreateBackup bool
}

// Executor applies update plans to a workspace
type Executor struct {
	ws      *workspace.Workspace
	store   WorkspaceStore
	log     *logger.Logger
	nowFunc func() time.Time
}

// NewExecutor creates an executor writing through store
func NewExecutor(ws *workspace.Workspace, store WorkspaceStore, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{ws: ws, store: store, log: log, nowFunc: time.Now}
}

// change remembers an applied range so it can be rolled back
type change struct {
	catalog *workspace.Catalog
	pkg     string
	old     string
}

// Execute applies plan in order. Per-update failures are recorded and
// processing continues; only a failed save is fatal, in which case the
// in-memory catalogs are restored.
func (e *Executor) Execute(ctx context.Context, plan UpdatePlan, opts ExecuteOptions) *UpdateResult {
	start := e.nowFunc()
	result := &UpdateResult{
		Updated: []UpdatedDependency{},
		Skipped: []SkippedDependency{},
		Errors:  []UpdateError{},
		DryRun:  opts.DryRun,
	}

	// only conflicts that survived resolution block their package
	unresolved := make(map[string]bool)
	if plan.HasUnresolvedConflicts() {
		for _, c := range plan.Conflicts {
			if !c.Resolved {
				unresolved[c.PackageName] = true
			}
		}
	}

	var applied []change
	for _, u := range plan.Updates {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, UpdateError{
				CatalogName: u.CatalogName,
				PackageName: u.PackageName,
				Message:     err.Error(),
			})
			continue
		}

		if unresolved[u.PackageName] && !opts.Force {
			result.Skipped = append(result.Skipped, SkippedDependency{
				CatalogName: u.CatalogName,
				PackageName: u.PackageName,
				Reason:      reasonConflictSkip,
			})
			continue
		}

		c, err := e.apply(u, opts.DryRun)
		if err != nil {
			e.log.Warn("failed to update %s in %s: %v", u.PackageName, u.CatalogName, err)
			result.Errors = append(result.Errors, UpdateError{
				CatalogName: u.CatalogName,
				PackageName: u.PackageName,
				Message:     err.Error(),
			})
			continue
		}
		result.Updated = append(result.Updated, UpdatedDependency{
			CatalogName: u.CatalogName,
			PackageName: u.PackageName,
			OldRange:    c.old,
			NewRange:    newRange(c.old, u.NewVersion),
		})
		if !opts.DryRun {
			applied = append(applied, c)
		}
	}

	if !opts.DryRun && len(applied) > 0 {
		e.persist(result, applied, opts)
	}

	result.TotalUpdated = len(result.Updated)
	result.TotalSkipped = len(result.Skipped)
	result.TotalErrors = len(result.Errors)
	result.Success = true
	for _, err := range result.Errors {
		if err.Fatal {
			result.Success = false
			break
		}
	}
	result.Duration = e.nowFunc().Sub(start)
	return result
}

// apply writes the new range of u into its catalog, or only computes it
// when dryRun is set
func (e *Executor) apply(u PlannedUpdate, dryRun bool) (change, error) {
	cat, err := e.ws.Catalog(u.CatalogName)
	if err != nil {
		return change{}, err
	}
	old, ok := cat.Get(u.PackageName)
	if !ok {
		return change{}, fmt.Errorf("%w: %s in %s", workspace.ErrPackageNotInCatalog, u.PackageName, cat.Name)
	}
	if _, err := semver.Parse(u.NewVersion); err != nil {
		return change{}, err
	}

	c := change{catalog: cat, pkg: u.PackageName, old: old}
	if dryRun {
		return c, nil
	}
	return c, cat.UpdateVersionRange(u.PackageName, newRange(old, u.NewVersion))
}

func (e *Executor) persist(result *UpdateResult, applied []change, opts ExecuteOptions) {
	if opts.CreateBackup {
		path, err := e.store.Backup()
		if err != nil {
			e.log.Warn("failed to create backup: %v", err)
		} else {
			result.BackupPath = path
			e.log.Info("backup written to %s", path)
		}
	}

	if err := e.store.Save(e.ws); err != nil {
		e.log.Error("failed to save workspace: %v", err)
		result.Errors = append(result.Errors, UpdateError{Message: err.Error(), Fatal: true})
		for i := len(applied) - 1; i >= 0; i-- {
			c := applied[i]
			if rerr := c.catalog.SetVersionRange(c.pkg, c.old); rerr != nil {
				e.log.Warn("failed to roll back %s in %s: %v", c.pkg, c.catalog.Name, rerr)
			}
		}
		return
	}
	e.log.Info("updated %d catalog entries", len(applied))
}

// newRange keeps the operator of old in front of version: "^4.17.20" and
// 4.17.21 give "^4.17.21". Exact pins stay exact; complex ranges become
// caret ranges.
func newRange(old, version string) string {
	if r, err := semver.ParseRange(old); err == nil {
		if prefix, ok := r.Prefix(); ok {
			return prefix + version
		}
	}
	if old != "" && (old[0] == '^' || old[0] == '~') {
		return old[:1] + version
	}
	return "^" + version
}
