package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obentoo/catalogkit/internal/common/cache"
	"github.com/obentoo/catalogkit/internal/common/httpclient"
	"github.com/obentoo/catalogkit/internal/common/logger"
	"github.com/obentoo/catalogkit/internal/registry/registrytest"
	"github.com/obentoo/catalogkit/internal/security"
)

func newTestClient(t *testing.T, srv *registrytest.Server, opts ...Option) *Client {
	t.Helper()
	h := httpclient.NewWithConfig(httpclient.RetryConfig{Attempts: 1, Timeout: 5 * time.Second})
	base := []Option{
		WithNpmrc(NewNpmrc(srv.Registry())),
		WithHTTPClient(h),
		WithLogger(logger.Discard()),
	}
	return NewClient(append(base, opts...)...)
}

func newTestCache(t *testing.T) *cache.Cache[json.RawMessage] {
	t.Helper()
	c := cache.New[json.RawMessage](
		cache.WithCleanupInterval[json.RawMessage](0),
		cache.WithLogger[json.RawMessage](logger.Discard()),
	)
	t.Cleanup(c.Destroy)
	return c
}

func TestGetPackageVersions(t *testing.T) {
	srv := registrytest.New(t)
	lodash := registrytest.Lodash()
	lodash.Versions = append(lodash.Versions, registrytest.Version{Version: "not-a-version"})
	srv.AddPackage(lodash)
	client := newTestClient(t, srv)

	pv, err := client.GetPackageVersions(context.Background(), "lodash")
	require.NoError(t, err)

	assert.Equal(t, "lodash", pv.Name)
	assert.Equal(t, "4.17.21", pv.Latest())
	assert.Equal(t, []string{"3.9.0", "3.9.1", "3.10.1", "4.17.20", "4.17.21", "5.0.0-rc.1"}, pv.Versions)
	assert.Equal(t, time.Date(2022, 1, 10, 0, 0, 0, 0, time.UTC), pv.Modified.UTC())
}

func TestGetPackageVersionsUsesCache(t *testing.T) {
	srv := registrytest.New(t)
	srv.AddPackage(registrytest.Lodash())
	client := newTestClient(t, srv, WithCache(newTestCache(t), time.Minute))

	for i := 0; i < 3; i++ {
		_, err := client.GetPackageVersions(context.Background(), "lodash")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.Requests("lodash"))

	client.ClearCache()
	_, err := client.GetPackageVersions(context.Background(), "lodash")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Requests("lodash"))
}

func TestScopedPackageUsesScopeRegistryAndAuth(t *testing.T) {
	public := registrytest.New(t)
	private := registrytest.New(t)
	private.AddPackage(registrytest.Package{
		Name:     "@acme/widget",
		DistTags: map[string]string{"latest": "1.2.0"},
		Versions: []registrytest.Version{{Version: "1.1.0"}, {Version: "1.2.0"}},
	})

	rc := NewNpmrc(public.Registry())
	rc.Scopes["@acme"] = private.Registry()
	rc.auth[nerfDart(private.Registry())] = credential{token: "s3cret-token"}
	client := newTestClient(t, public, WithNpmrc(rc))

	latest, err := client.GetLatestVersion(context.Background(), "@acme/widget")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", latest)

	assert.Equal(t, 0, public.Requests("@acme/widget"))
	assert.Equal(t, "Bearer s3cret-token", private.Authorization("@acme/widget"))
	assert.Equal(t, []string{"/@acme%2Fwidget"}, private.Paths())
}

func TestPackageNotFoundIsNotRetried(t *testing.T) {
	srv := registrytest.New(t)
	h := httpclient.NewWithConfig(httpclient.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Timeout: 5 * time.Second})
	client := newTestClient(t, srv, WithHTTPClient(h))

	_, err := client.GetPackageVersions(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPackageNotFound))

	var regErr *RegistryError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, "does-not-exist", regErr.Package)
	assert.Equal(t, 1, srv.Requests("does-not-exist"))
}

func TestServerErrorIsRetried(t *testing.T) {
	srv := registrytest.New(t)
	srv.FailWith("flaky", http.StatusBadGateway)
	h := httpclient.NewWithConfig(httpclient.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Timeout: 5 * time.Second})
	h.SetSleepFunc(func(ctx context.Context, d time.Duration) error { return nil })
	client := newTestClient(t, srv, WithHTTPClient(h))

	_, err := client.GetPackageVersions(context.Background(), "flaky")
	require.Error(t, err)
	assert.True(t, errors.Is(err, httpclient.ErrMaxRetriesExceeded))
	assert.Equal(t, 3, srv.Requests("flaky"))
}

func TestGetGreatestVersion(t *testing.T) {
	srv := registrytest.New(t)
	srv.AddPackage(registrytest.Lodash())
	client := newTestClient(t, srv)
	ctx := context.Background()

	tests := []struct {
		rangeStr string
		want     string
		wantErr  error
	}{
		{"", "4.17.21", nil},
		{"^3.0.0", "3.10.1", nil},
		{"~3.9.0", "3.9.1", nil},
		{">=4.0.0", "4.17.21", nil},
		{"^9.0.0", "", ErrNoSatisfyingVersion},
	}
	for _, tt := range tests {
		t.Run(tt.rangeStr, func(t *testing.T) {
			got, err := client.GetGreatestVersion(ctx, "lodash", tt.rangeStr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetTargetVersion(t *testing.T) {
	srv := registrytest.New(t)
	srv.AddPackage(registrytest.Lodash())
	client := newTestClient(t, srv)
	ctx := context.Background()

	tests := []struct {
		name       string
		current    string
		target     Target
		prerelease bool
		want       string
	}{
		{"latest", "4.17.20", TargetLatest, false, "4.17.21"},
		{"greatest stable", "4.17.20", TargetGreatest, false, "4.17.21"},
		{"greatest with prerelease", "4.17.20", TargetGreatest, true, "5.0.0-rc.1"},
		{"newest stable", "4.17.20", TargetNewest, false, "3.10.1"},
		{"newest with prerelease", "4.17.20", TargetNewest, true, "5.0.0-rc.1"},
		{"minor", "3.9.0", TargetMinor, false, "3.10.1"},
		{"patch", "3.9.0", TargetPatch, false, "3.9.1"},
		{"patch already current", "4.17.21", TargetPatch, false, "4.17.21"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.GetTargetVersion(ctx, "lodash", tt.current, tt.target, tt.prerelease)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := client.GetTargetVersion(ctx, "lodash", "2.0.0", TargetMinor, false)
	assert.ErrorIs(t, err, ErrNoSatisfyingVersion)

	_, err = client.GetTargetVersion(ctx, "lodash", "not-semver", TargetLatest, false)
	assert.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	for _, target := range Targets {
		got, err := ParseTarget(string(target))
		require.NoError(t, err)
		assert.Equal(t, target, got)
	}
	got, err := ParseTarget(" Minor ")
	require.NoError(t, err)
	assert.Equal(t, TargetMinor, got)

	_, err = ParseTarget("major")
	assert.Error(t, err)
}

func TestGetNewestVersions(t *testing.T) {
	srv := registrytest.New(t)
	srv.AddPackage(registrytest.Lodash())
	client := newTestClient(t, srv)

	got, err := client.GetNewestVersions(context.Background(), "lodash", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"3.10.1", "4.17.21"}, got)
}

func TestBatchQueryVersions(t *testing.T) {
	srv := registrytest.New(t)
	srv.AddPackage(registrytest.Lodash())
	for _, p := range registrytest.React() {
		srv.AddPackage(p)
	}
	srv.FailWith("flaky", http.StatusInternalServerError)
	client := newTestClient(t, srv)

	found, failures := client.BatchQueryVersions(context.Background(),
		[]string{"react", "missing", "lodash", "flaky", "react-dom"})

	assert.Len(t, found, 3)
	assert.Contains(t, found, "react")
	assert.Contains(t, found, "react-dom")
	assert.Equal(t, "4.17.21", found["lodash"].Latest())

	require.Len(t, failures, 2)
	assert.Equal(t, "flaky", failures[0].Package)
	assert.Equal(t, "missing", failures[1].Package)
	assert.ErrorIs(t, failures[1].Err, ErrPackageNotFound)
	assert.NotEmpty(t, failures[1].Error)
}

func TestPackageInfoImplementsPackageSource(t *testing.T) {
	srv := registrytest.New(t)
	for _, p := range registrytest.React() {
		srv.AddPackage(p)
	}
	var source security.PackageSource = newTestClient(t, srv)

	info, err := source.PackageInfo(context.Background(), "react-dom", "18.2.0")
	require.NoError(t, err)
	assert.Equal(t, "react-dom", info.Name)
	assert.Equal(t, "18.2.0", info.Version)
	assert.Equal(t, "git+https://github.com/facebook/react.git", info.Repository)
	assert.Equal(t, "^18.2.0", info.PeerDependencies["react"])
	assert.Equal(t, "^0.23.0", info.Dependencies["scheduler"])

	_, err = source.PackageInfo(context.Background(), "react-dom", "99.0.0")
	assert.ErrorIs(t, err, ErrPackageNotFound)

	versions, err := source.ListVersions(context.Background(), "react")
	require.NoError(t, err)
	assert.Equal(t, []string{"18.2.0", "18.3.0", "18.3.1"}, versions)
}

func TestCheckSecurityVulnerabilities(t *testing.T) {
	srv := registrytest.New(t)
	srv.AddAdvisory("lodash", registrytest.Advisory{
		ID:                 1096305,
		URL:                "https://github.com/advisories/GHSA-35jh-r3h4-6jhm",
		Title:              "Command Injection in lodash",
		Severity:           "high",
		VulnerableVersions: "<4.17.21",
		Score:              7.2,
	})
	srv.AddAdvisory("lodash", registrytest.Advisory{
		ID:                 2000001,
		Title:              "Future issue",
		Severity:           "moderate",
		VulnerableVersions: ">=5.0.0",
	})
	client := newTestClient(t, srv, WithCache(newTestCache(t), time.Minute))
	ctx := context.Background()

	var scanner security.Scanner = client
	report := scanner.CheckVulnerabilities(ctx, "lodash", "4.17.20")
	require.NotNil(t, report)
	assert.Equal(t, SourceNpmAudit, report.Source)
	assert.False(t, report.Incomplete)
	require.Len(t, report.Vulnerabilities, 1)

	v := report.Vulnerabilities[0]
	assert.Equal(t, "GHSA-35jh-r3h4-6jhm", v.ID)
	assert.Equal(t, security.SeverityHigh, v.Severity)
	assert.InDelta(t, 7.2, v.Score, 0.001)
	assert.Equal(t, []string{"<4.17.21"}, v.Affected)

	// cached
	client.CheckSecurityVulnerabilities(ctx, "lodash", "4.17.20")
	assert.Equal(t, 1, srv.AuditCalls())

	clean := client.CheckSecurityVulnerabilities(ctx, "lodash", "4.17.21")
	assert.False(t, clean.HasVulnerabilities())
}

func TestCheckSecurityVulnerabilitiesSoftFails(t *testing.T) {
	srv := registrytest.New(t)
	client := newTestClient(t, srv)
	srv.Close()

	report := client.CheckSecurityVulnerabilities(context.Background(), "lodash", "4.17.20")
	require.NotNil(t, report)
	assert.True(t, report.Incomplete)
	assert.Empty(t, report.Vulnerabilities)
	assert.Equal(t, "lodash", report.Package)
}

func TestAdvisoryIDFallsBackToNumericID(t *testing.T) {
	a := bulkAdvisory{ID: 42, URL: "https://npmjs.com/advisories/42"}
	assert.Equal(t, "NPM-42", a.advisoryID())
}

func TestSharedFetchSurvivesCancelledCaller(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		entered <- struct{}{}
		<-release
		fmt.Fprint(w, `{"name":"slow","dist-tags":{"latest":"1.0.0"},"versions":{"1.0.0":{"name":"slow","version":"1.0.0"}}}`)
	}))
	defer srv.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	rc := newTestCache(t)
	client := NewClient(
		WithNpmrc(NewNpmrc(srv.URL+"/")),
		WithHTTPClient(httpclient.NewWithConfig(httpclient.RetryConfig{Attempts: 1, Timeout: 5 * time.Second})),
		WithCache(rc, time.Hour),
		WithLogger(logger.Discard()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := client.GetPackageVersions(ctx, "slow")
		errc <- err
	}()

	<-entered
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return rc.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	pv, err := client.GetPackageVersions(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", pv.Latest())
	assert.Equal(t, int32(1), requests.Load())
}
