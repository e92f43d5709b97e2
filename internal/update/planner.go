package update

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/common/semver"
	"github.com/obentoo/catalogkit/internal/registry"
	"github.com/obentoo/catalogkit/internal/workspace"
)

// Reasons recorded on planned updates
const (
	reasonSync     = "sync across catalogs"
	reasonConflict = "resolved conflict using catalog %s"
)

// Planner turns outdated reports into update plans
type Planner struct {
	source  VersionSource
	policy  *Policy
	log     *logger.Logger
	nowFunc func() time.Time
	newID   func() string
}

// NewPlanner creates a planner. source is used to look up sync targets
// that no planned update provides.
func NewPlanner(source VersionSource, policy *Policy, log *logger.Logger) *Planner {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Planner{
		source:  source,
		policy:  policy,
		log:     log,
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
}

// Plan builds an update plan from report. The planner owns the planned
// updates while it runs: the sync and conflict passes rewrite their target
// versions in place, and the returned plan is not modified afterwards.
func (p *Planner) Plan(ctx context.Context, ws *workspace.Workspace, report *OutdatedReport, target registry.Target) (*UpdatePlan, error) {
	var updates []*PlannedUpdate
	for _, cat := range report.Catalogs {
		for _, info := range cat.Outdated {
			updates = append(updates, p.newUpdate(info))
		}
	}

	var err error
	if updates, err = p.syncVersions(ctx, ws, updates); err != nil {
		return nil, err
	}
	conflicts := p.resolveConflicts(updates)

	sort.SliceStable(updates, func(i, j int) bool {
		if updates[i].CatalogName != updates[j].CatalogName {
			return updates[i].CatalogName < updates[j].CatalogName
		}
		return updates[i].PackageName < updates[j].PackageName
	})

	plan := &UpdatePlan{
		ID:        p.newID(),
		Timestamp: p.nowFunc(),
		Target:    target,
		Updates:   make([]PlannedUpdate, len(updates)),
		Conflicts: conflicts,
	}
	for i, u := range updates {
		plan.Updates[i] = *u
	}
	if plan.Conflicts == nil {
		plan.Conflicts = []VersionConflict{}
	}
	plan.HasConflicts = len(plan.Conflicts) > 0
	plan.TotalUpdates = len(plan.Updates)

	p.log.Info("planned %d updates with %d conflicts", plan.TotalUpdates, len(plan.Conflicts))
	return plan, nil
}

func (p *Planner) newUpdate(info OutdatedDependencyInfo) *PlannedUpdate {
	rule := p.policy.Rule(info.PackageName)
	return &PlannedUpdate{
		CatalogName:         info.CatalogName,
		PackageName:         info.PackageName,
		CurrentVersion:      info.CurrentVersion,
		NewVersion:          info.LatestVersion,
		UpdateType:          info.UpdateType,
		Reason:              updateReason(info),
		AffectedPackages:    append([]string{}, info.AffectedPackages...),
		RequireConfirmation: rule.RequireConfirmation,
		AutoUpdate:          rule.AutoUpdate,
		GroupUpdate:         rule.GroupUpdate,
		IsSecurityUpdate:    info.IsSecurityUpdate,
	}
}

func updateReason(info OutdatedDependencyInfo) string {
	reason := fmt.Sprintf("%s update: %s → %s", info.UpdateType, info.CurrentVersion, info.LatestVersion)
	switch {
	case info.Vulnerabilities == 1:
		reason += " (fixes 1 vulnerability)"
	case info.Vulnerabilities > 1:
		reason += fmt.Sprintf(" (fixes %d vulnerabilities)", info.Vulnerabilities)
	case info.IsSecurityUpdate:
		reason += " (security fix)"
	}
	return reason
}

// syncVersions makes every package listed in sync_versions converge on one
// version in all catalogs declaring it
func (p *Planner) syncVersions(ctx context.Context, ws *workspace.Workspace, updates []*PlannedUpdate) ([]*PlannedUpdate, error) {
	for _, name := range p.policy.SyncVersions {
		catalogs := ws.CatalogsWith(name)
		if len(catalogs) < 2 {
			continue
		}

		planned := byPackage(updates)[name]
		var target string
		if len(planned) > 0 {
			target = p.winner(planned).NewVersion
		} else {
			latest, err := p.source.GetLatestVersion(ctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				p.log.Warn("cannot sync %s: %v", name, err)
				continue
			}
			target = latest
		}
		targetVersion, err := semver.Parse(target)
		if err != nil {
			p.log.Warn("cannot sync %s to %q: %v", name, target, err)
			continue
		}

		for _, catName := range catalogs {
			if u := findUpdate(planned, catName); u != nil {
				u.NewVersion = target
				u.UpdateType = mustDiff(u.CurrentVersion, targetVersion)
				u.Reason = reasonSync
				u.RequireConfirmation = true
				u.GroupUpdate = true
				continue
			}

			cat, err := ws.Catalog(catName)
			if err != nil {
				return nil, err
			}
			rng, _ := cat.Get(name)
			r, err := semver.ParseRange(rng)
			if err != nil || r.IsAny() {
				continue
			}
			current := r.MinVersion()
			if current == nil || current.Equals(targetVersion) {
				continue
			}

			affected := ws.PackagesUsing(catName, name)
			if affected == nil {
				affected = []string{}
			}
			rule := p.policy.Rule(name)
			updates = append(updates, &PlannedUpdate{
				CatalogName:         catName,
				PackageName:         name,
				CurrentVersion:      current.String(),
				NewVersion:          target,
				UpdateType:          current.DiffType(targetVersion),
				Reason:              reasonSync,
				AffectedPackages:    affected,
				RequireConfirmation: true,
				AutoUpdate:          rule.AutoUpdate,
				GroupUpdate:         true,
			})
		}
	}
	return updates, nil
}

// resolveConflicts collapses every package planned at more than one
// version onto the version of its highest-priority catalog and returns a
// record of each conflict, sorted by package name
func (p *Planner) resolveConflicts(updates []*PlannedUpdate) []VersionConflict {
	groups := byPackage(updates)

	var conflicts []VersionConflict
	for _, name := range sortedKeys(groups) {
		group := groups[name]
		if len(distinctVersions(group)) < 2 {
			continue
		}

		conflict := VersionConflict{PackageName: name}
		for _, u := range group {
			conflict.Catalogs = append(conflict.Catalogs, ConflictEntry{
				CatalogName:     u.CatalogName,
				CurrentVersion:  u.CurrentVersion,
				ProposedVersion: u.NewVersion,
			})
		}

		win := p.winner(group)
		resolved, err := semver.Parse(win.NewVersion)
		for _, u := range group {
			if u == win || u.NewVersion == win.NewVersion {
				continue
			}
			u.NewVersion = win.NewVersion
			u.Reason = fmt.Sprintf(reasonConflict, win.CatalogName)
			if err == nil {
				u.UpdateType = mustDiff(u.CurrentVersion, resolved)
			}
		}

		conflict.ResolvedVersion = win.NewVersion
		conflict.SourceOfTruth = win.CatalogName
		conflict.Resolved = len(distinctVersions(group)) == 1
		conflict.Resolution = fmt.Sprintf("use %s from catalog %s in %s", win.NewVersion, win.CatalogName, catalogList(group))
		conflicts = append(conflicts, conflict)

		p.log.Warn("version conflict for %s resolved to %s (source of truth: %s)", name, win.NewVersion, win.CatalogName)
	}
	return conflicts
}

// winner returns the update of the first catalog in catalog_priority that
// has one, else the first update
func (p *Planner) winner(group []*PlannedUpdate) *PlannedUpdate {
	for _, catName := range p.policy.CatalogPriority {
		if u := findUpdate(group, catName); u != nil {
			return u
		}
	}
	return group[0]
}

// byPackage groups updates by package, keeping their order
func byPackage(updates []*PlannedUpdate) map[string][]*PlannedUpdate {
	groups := make(map[string][]*PlannedUpdate)
	for _, u := range updates {
		groups[u.PackageName] = append(groups[u.PackageName], u)
	}
	return groups
}

func findUpdate(group []*PlannedUpdate, catalog string) *PlannedUpdate {
	for _, u := range group {
		if u.CatalogName == catalog {
			return u
		}
	}
	return nil
}

func distinctVersions(group []*PlannedUpdate) map[string]bool {
	versions := make(map[string]bool)
	for _, u := range group {
		versions[u.NewVersion] = true
	}
	return versions
}

func catalogList(group []*PlannedUpdate) string {
	names := make([]string, len(group))
	for i, u := range group {
		names[i] = u.CatalogName
	}
	return strings.Join(names, ", ")
}

// mustDiff classifies current -> target, falling back to major when
// current does not parse
func mustDiff(current string, target *semver.Version) UpdateType {
	v, err := semver.Parse(current)
	if err != nil {
		return semver.DiffMajor
	}
	return v.DiffType(target)
}
