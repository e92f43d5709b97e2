package update

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/common/semver"
	"github.com/obentoo/catalogkit/internal/registry"
	"github.com/obentoo/catalogkit/internal/workspace"
)

// fakeSource answers GetLatestVersion from a map
type fakeSource struct {
	latest map[string]string
	calls  int
}

func (f *fakeSource) GetTargetVersion(ctx context.Context, name, current string, target registry.Target, includePrerelease bool) (string, error) {
	return f.GetLatestVersion(ctx, name)
}

func (f *fakeSource) GetGreatestVersion(ctx context.Context, name, rangeStr string) (string, error) {
	return f.GetLatestVersion(ctx, name)
}

func (f *fakeSource) GetLatestVersion(_ context.Context, name string) (string, error) {
	f.calls++
	v, ok := f.latest[name]
	if !ok {
		return "", registry.ErrPackageNotFound
	}
	return v, nil
}

func newTestPlanner(source VersionSource, policy *Policy) *Planner {
	p := NewPlanner(source, policy, logger.Discard())
	p.nowFunc = func() time.Time { return fixedNow }
	p.newID = func() string { return "plan-1" }
	return p
}

func outdated(catalog, pkg, current, latest string) OutdatedDependencyInfo {
	return OutdatedDependencyInfo{
		PackageName:      pkg,
		CatalogName:      catalog,
		CurrentVersion:   current,
		LatestVersion:    latest,
		UpdateType:       semver.MustParse(current).DiffType(semver.MustParse(latest)),
		AffectedPackages: []string{},
	}
}

func reportOf(infos ...OutdatedDependencyInfo) *OutdatedReport {
	byCatalog := make(map[string]int)
	report := &OutdatedReport{}
	for _, info := range infos {
		i, ok := byCatalog[info.CatalogName]
		if !ok {
			i = len(report.Catalogs)
			byCatalog[info.CatalogName] = i
			report.Catalogs = append(report.Catalogs, CatalogReport{CatalogName: info.CatalogName})
		}
		report.Catalogs[i].Outdated = append(report.Catalogs[i].Outdated, info)
	}
	return report
}

func TestPlanSingleUpdate(t *testing.T) {
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "^4.17.20"},
	})
	report := reportOf(outdated("default", "lodash", "4.17.20", "4.17.21"))

	plan, err := newTestPlanner(&fakeSource{}, nil).Plan(context.Background(), ws, report, registry.TargetLatest)
	require.NoError(t, err)

	assert.Equal(t, "plan-1", plan.ID)
	assert.Equal(t, fixedNow, plan.Timestamp)
	assert.Equal(t, registry.TargetLatest, plan.Target)
	assert.Equal(t, 1, plan.TotalUpdates)
	assert.False(t, plan.HasConflicts)
	assert.Equal(t, []VersionConflict{}, plan.Conflicts)

	u := plan.Updates[0]
	assert.Equal(t, "4.17.21", u.NewVersion)
	assert.Equal(t, semver.DiffPatch, u.UpdateType)
	assert.Equal(t, "patch update: 4.17.20 → 4.17.21", u.Reason)
	assert.False(t, u.GroupUpdate)
}

func TestPlanCopiesPolicyFlagsAndSecurityReason(t *testing.T) {
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"typescript": "~5.3.0"},
	})
	info := outdated("default", "typescript", "5.3.0", "5.4.5")
	info.IsSecurityUpdate = true
	info.Vulnerabilities = 2

	policy := DefaultPolicy()
	policy.Packages["typescript"] = PackagePolicy{RequireConfirmation: true, AutoUpdate: true}

	plan, err := newTestPlanner(&fakeSource{}, policy).Plan(context.Background(), ws, reportOf(info), registry.TargetMinor)
	require.NoError(t, err)

	u := plan.Updates[0]
	assert.True(t, u.RequireConfirmation)
	assert.True(t, u.AutoUpdate)
	assert.True(t, u.IsSecurityUpdate)
	assert.Equal(t, "minor update: 5.3.0 → 5.4.5 (fixes 2 vulnerabilities)", u.Reason)
}

func TestPlanSyncVersionsConverges(t *testing.T) {
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"react": "^18.1.0"},
		"react18":                {"react": "^18.1.0"},
	})
	report := reportOf(
		outdated("default", "react", "18.1.0", "18.2.0"),
		outdated("react18", "react", "18.1.0", "18.3.0"),
	)
	policy := DefaultPolicy()
	policy.SyncVersions = []string{"react"}

	plan, err := newTestPlanner(&fakeSource{}, policy).Plan(context.Background(), ws, report, registry.TargetLatest)
	require.NoError(t, err)

	require.Len(t, plan.Updates, 2)
	for _, u := range plan.Updates {
		assert.Equal(t, "18.2.0", u.NewVersion, u.CatalogName)
		assert.True(t, u.GroupUpdate, u.CatalogName)
		assert.True(t, u.RequireConfirmation, u.CatalogName)
		assert.Equal(t, reasonSync, u.Reason)
	}
	assert.False(t, plan.HasConflicts)
}

func TestPlanSyncAddsDivergingCatalogs(t *testing.T) {
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"react": "18.3.1"},
		"legacy":                 {"react": "^18.2.0"},
		"edge":                   {"react": "^18.3.0"},
	})
	report := reportOf(outdated("legacy", "react", "18.2.0", "18.3.1"))
	policy := DefaultPolicy()
	policy.SyncVersions = []string{"react"}
	source := &fakeSource{}

	plan, err := newTestPlanner(source, policy).Plan(context.Background(), ws, report, registry.TargetLatest)
	require.NoError(t, err)

	assert.Zero(t, source.calls)
	require.Len(t, plan.Updates, 2)
	assert.Equal(t, "edge", plan.Updates[0].CatalogName)
	assert.Equal(t, "18.3.0", plan.Updates[0].CurrentVersion)
	assert.Equal(t, "18.3.1", plan.Updates[0].NewVersion)
	assert.Equal(t, semver.DiffPatch, plan.Updates[0].UpdateType)
	assert.Equal(t, "legacy", plan.Updates[1].CatalogName)
	assert.True(t, plan.Updates[1].GroupUpdate)
}

func TestPlanSyncQueriesLatestWithoutPlannedUpdate(t *testing.T) {
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"react": "18.2.0"},
		"react18":                {"react": "^18.3.0"},
	})
	policy := DefaultPolicy()
	policy.SyncVersions = []string{"react", "vue"}
	source := &fakeSource{latest: map[string]string{"react": "18.3.1"}}

	plan, err := newTestPlanner(source, policy).Plan(context.Background(), ws, reportOf(), registry.TargetLatest)
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
	require.Len(t, plan.Updates, 2)
	for _, u := range plan.Updates {
		assert.Equal(t, "18.3.1", u.NewVersion)
		assert.True(t, u.GroupUpdate)
	}
}

func TestPlanResolvesConflictByPriority(t *testing.T) {
	ws := newWorkspace(t, map[string]map[string]string{
		"A": {"pkg": "^1.0.0"},
		"B": {"pkg": "^1.0.0"},
	})
	report := reportOf(
		outdated("A", "pkg", "1.0.0", "1.5.0"),
		outdated("B", "pkg", "1.0.0", "2.0.0"),
	)
	policy := DefaultPolicy()
	policy.CatalogPriority = []string{"B", "A"}

	plan, err := newTestPlanner(&fakeSource{}, policy).Plan(context.Background(), ws, report, registry.TargetLatest)
	require.NoError(t, err)

	require.Len(t, plan.Updates, 2)
	for _, u := range plan.Updates {
		assert.Equal(t, "2.0.0", u.NewVersion, u.CatalogName)
		assert.Equal(t, semver.DiffMajor, u.UpdateType, u.CatalogName)
	}
	assert.Equal(t, "resolved conflict using catalog B", plan.Updates[0].Reason)

	assert.True(t, plan.HasConflicts)
	require.Len(t, plan.Conflicts, 1)
	c := plan.Conflicts[0]
	assert.Equal(t, "pkg", c.PackageName)
	assert.Equal(t, "B", c.SourceOfTruth)
	assert.Equal(t, "2.0.0", c.ResolvedVersion)
	assert.True(t, c.Resolved)
	assert.False(t, plan.HasUnresolvedConflicts())
	assert.Equal(t, []ConflictEntry{
		{CatalogName: "A", CurrentVersion: "1.0.0", ProposedVersion: "1.5.0"},
		{CatalogName: "B", CurrentVersion: "1.0.0", ProposedVersion: "2.0.0"},
	}, c.Catalogs)
}

func TestPlanConflictWithoutPriorityUsesFirst(t *testing.T) {
	ws := newWorkspace(t, map[string]map[string]string{
		"A": {"pkg": "^1.0.0"},
		"B": {"pkg": "^1.0.0"},
	})
	report := reportOf(
		outdated("A", "pkg", "1.0.0", "1.5.0"),
		outdated("B", "pkg", "1.0.0", "2.0.0"),
	)

	plan, err := newTestPlanner(&fakeSource{}, nil).Plan(context.Background(), ws, report, registry.TargetLatest)
	require.NoError(t, err)

	assert.Equal(t, "A", plan.Conflicts[0].SourceOfTruth)
	for _, u := range plan.Updates {
		assert.Equal(t, "1.5.0", u.NewVersion)
	}
}

// TestConflictResolutionProperty checks that every conflict collapses onto
// the version of the highest-priority catalog with an update
func TestConflictResolutionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("planned versions collapse onto the priority winner", prop.ForAll(
		func(minors []int, reverse bool) bool {
			names := make([]string, len(minors))
			var infos []OutdatedDependencyInfo
			catalogs := make(map[string]map[string]string)
			for i, m := range minors {
				names[i] = fmt.Sprintf("cat%d", i)
				catalogs[names[i]] = map[string]string{"pkg": "^1.0.0"}
				infos = append(infos, outdated(names[i], "pkg", "1.0.0", fmt.Sprintf("1.%d.0", m+1)))
			}
			priority := append([]string{}, names...)
			if reverse {
				for i, j := 0, len(priority)-1; i < j; i, j = i+1, j-1 {
					priority[i], priority[j] = priority[j], priority[i]
				}
			}

			policy := DefaultPolicy()
			policy.CatalogPriority = priority
			ws := newWorkspace(t, catalogs)
			plan, err := newTestPlanner(&fakeSource{}, policy).Plan(context.Background(), ws, reportOf(infos...), registry.TargetLatest)
			if err != nil {
				return false
			}

			winnerIdx := 0
			if reverse {
				winnerIdx = len(minors) - 1
			}
			want := fmt.Sprintf("1.%d.0", minors[winnerIdx]+1)
			for _, u := range plan.Updates {
				if u.NewVersion != want {
					return false
				}
			}

			distinct := make(map[int]bool)
			for _, m := range minors {
				distinct[m] = true
			}
			if len(distinct) == 1 {
				return len(plan.Conflicts) == 0 && !plan.HasConflicts
			}
			return len(plan.Conflicts) == 1 &&
				plan.Conflicts[0].SourceOfTruth == priority[0] &&
				plan.Conflicts[0].Resolved &&
				len(plan.Conflicts[0].Catalogs) == len(minors)
		},
		gen.SliceOfN(4, gen.IntRange(0, 3)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
