package update

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/obentoo/catalogkit/internal/common/httpclient"
	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/common/semver"
	"github.com/obentoo/catalogkit/internal/registry"
	"github.com/obentoo/catalogkit/internal/registry/registrytest"
	"github.com/obentoo/catalogkit/internal/security"
	"github.com/obentoo/catalogkit/internal/workspace"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, pkgs ...registrytest.Package) (*registrytest.Server, *registry.Client) {
	t.Helper()
	srv := registrytest.New(t)
	for _, p := range pkgs {
		srv.AddPackage(p)
	}
	client := registry.NewClient(
		registry.WithNpmrc(registry.NewNpmrc(srv.Registry())),
		registry.WithHTTPClient(httpclient.NewWithConfig(httpclient.RetryConfig{Attempts: 1, Timeout: 5 * time.Second})),
		registry.WithLogger(logger.Discard()),
	)
	return srv, client
}

func newWorkspace(t *testing.T, catalogs map[string]map[string]string) *workspace.Workspace {
	t.Helper()
	ws := workspace.New("/ws")
	for name, entries := range catalogs {
		c, err := workspace.NewCatalog(name, entries)
		require.NoError(t, err)
		ws.AddCatalog(c)
	}
	return ws
}

func newTestChecker(ws *workspace.Workspace, source VersionSource, opts ...CheckerOption) *Checker {
	base := []CheckerOption{WithLogger(logger.Discard()), WithNowFunc(func() time.Time { return fixedNow })}
	return NewChecker(ws, source, append(base, opts...)...)
}

func TestCheckReportsPatchUpdate(t *testing.T) {
	_, client := newRegistry(t, registrytest.Lodash())
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "^4.17.20"},
	})

	report, err := newTestChecker(ws, client).Check(context.Background(), CheckOptions{})
	require.NoError(t, err)

	assert.Equal(t, fixedNow, report.Timestamp)
	assert.Equal(t, 1, report.TotalCatalogs)
	assert.Equal(t, 1, report.TotalPackages)
	assert.Equal(t, 1, report.OutdatedCount)
	assert.True(t, report.HasUpdates)
	assert.Empty(t, report.Failures)

	require.Len(t, report.Catalogs, 1)
	require.Len(t, report.Catalogs[0].Outdated, 1)
	info := report.Catalogs[0].Outdated[0]
	assert.Equal(t, "lodash", info.PackageName)
	assert.Equal(t, "4.17.20", info.CurrentVersion)
	assert.Equal(t, "4.17.21", info.LatestVersion)
	assert.Equal(t, "4.17.21", info.Wanted)
	assert.Equal(t, semver.DiffPatch, info.UpdateType)
	assert.False(t, info.IsSecurityUpdate)
	assert.Equal(t, []string{}, info.AffectedPackages)
}

func TestCheckUpToDateIsNotAnError(t *testing.T) {
	_, client := newRegistry(t, registrytest.Lodash())
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "^4.17.21", "anything": "*"},
	})

	report, err := newTestChecker(ws, client).Check(context.Background(), CheckOptions{})
	require.NoError(t, err)
	assert.False(t, report.HasUpdates)
	assert.Equal(t, 2, report.TotalPackages)
	assert.Equal(t, []OutdatedDependencyInfo{}, report.Catalogs[0].Outdated)
}

func TestCheckTargets(t *testing.T) {
	tests := []struct {
		name       string
		rng        string
		target     registry.Target
		prerelease bool
		want       string
	}{
		{"latest crosses major", "^3.9.0", registry.TargetLatest, false, "4.17.21"},
		{"minor stays in major", "^3.9.0", registry.TargetMinor, false, "3.10.1"},
		{"patch stays in minor", "~3.9.0", registry.TargetPatch, false, "3.9.1"},
		{"prerelease opt in", "^4.17.20", registry.TargetGreatest, true, "5.0.0-rc.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newRegistry(t, registrytest.Lodash())
			ws := newWorkspace(t, map[string]map[string]string{
				workspace.DefaultCatalog: {"lodash": tt.rng},
			})
			report, err := newTestChecker(ws, client).Check(context.Background(), CheckOptions{
				Target:            tt.target,
				IncludePrerelease: tt.prerelease,
			})
			require.NoError(t, err)
			require.Len(t, report.Catalogs[0].Outdated, 1)
			assert.Equal(t, tt.want, report.Catalogs[0].Outdated[0].LatestVersion)
		})
	}
}

func TestCheckPackageOverrideWins(t *testing.T) {
	_, client := newRegistry(t, registrytest.Lodash())
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "^3.9.0"},
	})
	policy := DefaultPolicy()
	policy.Packages["lodash"] = PackagePolicy{Target: "patch"}
	require.NoError(t, policy.Validate())

	report, err := newTestChecker(ws, client, WithPolicy(policy)).Check(context.Background(), CheckOptions{
		Target: registry.TargetLatest,
	})
	require.NoError(t, err)
	require.Len(t, report.Catalogs[0].Outdated, 1)
	assert.Equal(t, "3.9.1", report.Catalogs[0].Outdated[0].LatestVersion)
}

func TestCheckUnknownCatalog(t *testing.T) {
	_, client := newRegistry(t)
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "^4.17.20"},
	})

	_, err := newTestChecker(ws, client).Check(context.Background(), CheckOptions{Catalog: "react17"})
	assert.ErrorIs(t, err, workspace.ErrCatalogNotFound)
	assert.Contains(t, err.Error(), "default")
}

func TestCheckCollectsFailures(t *testing.T) {
	_, client := newRegistry(t, registrytest.Lodash())
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "^4.17.20", "ghost": "^1.0.0"},
	})

	report, err := newTestChecker(ws, client).Check(context.Background(), CheckOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.OutdatedCount)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "ghost", report.Failures[0].Package)
	assert.Contains(t, report.Failures[0].Error, "catalog default")
	assert.ErrorIs(t, report.Failures[0].Err, registry.ErrPackageNotFound)
}

func TestCheckFilters(t *testing.T) {
	pkgs := append(registrytest.React(), registrytest.Lodash())
	_, client := newRegistry(t, pkgs...)
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "^4.17.20", "react": "^18.2.0", "react-dom": "^18.2.0"},
	})

	policy := DefaultPolicy()
	policy.Packages["react-dom"] = PackagePolicy{Skip: true}
	require.NoError(t, policy.Validate())
	checker := newTestChecker(ws, client, WithPolicy(policy))

	report, err := checker.Check(context.Background(), CheckOptions{Include: []string{"react*"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalPackages)
	assert.Equal(t, "react", report.Catalogs[0].Outdated[0].PackageName)

	report, err = checker.Check(context.Background(), CheckOptions{Include: []string{"react*"}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalPackages)

	report, err = checker.Check(context.Background(), CheckOptions{Exclude: []string{"react*"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalPackages)
	assert.Equal(t, "lodash", report.Catalogs[0].Outdated[0].PackageName)
}

func TestCheckProgress(t *testing.T) {
	pkgs := append(registrytest.React(), registrytest.Lodash())
	_, client := newRegistry(t, pkgs...)
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "^4.17.20", "react": "^18.2.0"},
		"react17":                {"react": "^18.2.0", "react-dom": "^18.2.0"},
	})

	var mu sync.Mutex
	var seen []int
	report, err := newTestChecker(ws, client).Check(context.Background(), CheckOptions{
		OnProgress: func(completed, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 4, total)
			seen = append(seen, completed)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.TotalCatalogs)
	assert.Equal(t, 4, report.OutdatedCount)
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, seen)
}

func TestCheckSecuritySignal(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := security.NewMockScanner(ctrl)
	scanner.EXPECT().
		CheckVulnerabilities(gomock.Any(), "lodash", "3.9.0").
		Return(&security.Report{
			Package: "lodash",
			Version: "3.9.0",
			Vulnerabilities: []security.Vulnerability{
				{ID: "GHSA-35jh-r3h4-6jhm", Severity: security.SeverityHigh},
			},
		})

	_, client := newRegistry(t, registrytest.Lodash())
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "~3.9.0"},
	})

	report, err := newTestChecker(ws, client, WithScanner(scanner)).Check(context.Background(), CheckOptions{
		Target: registry.TargetPatch,
	})
	require.NoError(t, err)

	info := report.Catalogs[0].Outdated[0]
	assert.Equal(t, "3.9.1", info.LatestVersion)
	assert.True(t, info.IsSecurityUpdate)
	assert.Equal(t, 1, info.Vulnerabilities)
}

func TestCheckAllowMajorForSecurity(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := security.NewMockScanner(ctrl)
	scanner.EXPECT().
		CheckVulnerabilities(gomock.Any(), "lodash", "3.9.0").
		Return(&security.Report{
			Vulnerabilities: []security.Vulnerability{{ID: "GHSA-p6mc-m468-83gw", Severity: security.SeverityCritical}},
		})

	_, client := newRegistry(t, registrytest.Lodash())
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "~3.9.0"},
	})
	policy := DefaultPolicy()
	policy.Security.AllowMajorForSecurity = true
	require.NoError(t, policy.Validate())

	report, err := newTestChecker(ws, client, WithScanner(scanner), WithPolicy(policy)).Check(context.Background(), CheckOptions{
		Target: registry.TargetPatch,
	})
	require.NoError(t, err)

	info := report.Catalogs[0].Outdated[0]
	assert.Equal(t, "4.17.21", info.LatestVersion)
	assert.Equal(t, semver.DiffMajor, info.UpdateType)
	assert.True(t, info.IsSecurityUpdate)
}

func TestCheckSkipSecurity(t *testing.T) {
	ctrl := gomock.NewController(t)
	scanner := security.NewMockScanner(ctrl)
	scanner.EXPECT().CheckVulnerabilities(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, client := newRegistry(t, registrytest.Lodash())
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"lodash": "^4.17.20"},
	})

	report, err := newTestChecker(ws, client, WithScanner(scanner)).Check(context.Background(), CheckOptions{SkipSecurity: true})
	require.NoError(t, err)
	assert.False(t, report.Catalogs[0].Outdated[0].IsSecurityUpdate)
}

func TestCheckPackage(t *testing.T) {
	pkgs := append(registrytest.React(), registrytest.Lodash())
	_, client := newRegistry(t, pkgs...)
	ws := newWorkspace(t, map[string]map[string]string{
		workspace.DefaultCatalog: {"react": "^18.3.1"},
		"react17":                {"react": "^18.2.0"},
	})
	checker := newTestChecker(ws, client)

	infos, err := checker.CheckPackage(context.Background(), "react", CheckOptions{})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "react17", infos[0].CatalogName)
	assert.Equal(t, "18.3.1", infos[0].LatestVersion)

	_, err = checker.CheckPackage(context.Background(), "lodash", CheckOptions{})
	assert.ErrorIs(t, err, ErrPackageNotFound)
	assert.Contains(t, err.Error(), "default, react17")
}
