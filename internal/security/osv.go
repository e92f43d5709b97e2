package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/obentoo/catalogkit/internal/common/cache"
	"github.com/obentoo/catalogkit/internal/common/concurrency"
	"github.com/obentoo/catalogkit/internal/common/httpclient"
	"github.com/obentoo/catalogkit/internal/common/logger"
)

const (
	// DefaultOSVURL is the public OSV API
	DefaultOSVURL = "https://api.osv.dev"
	// DefaultBatchSize is the number of queries sent per batch request
	DefaultBatchSize = 1000
	// DefaultSafeVersionLimit bounds how many versions FindSafeVersion inspects
	DefaultSafeVersionLimit = 10
	// Ecosystem is the OSV ecosystem name for npm packages
	Ecosystem = "npm"
	// SourceOSV identifies reports produced by the OSV client
	SourceOSV = "osv"

	maxQueryPages = 10
)

// ErrNoPackageSource is returned when an operation needs registry data but
// the client has none
var ErrNoPackageSource = errors.New("no package source configured")

// PackageQuery identifies one package version to look up
type PackageQuery struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// BatchResult is the outcome of one query in a batch
type BatchResult struct {
	Query           PackageQuery
	Vulnerabilities []Vulnerability
	Err             error
}

// OSVClient queries the OSV vulnerability database
type OSVClient struct {
	baseURL   string
	http      *httpclient.Client
	ctrl      *concurrency.Controller
	cache     *cache.Cache[json.RawMessage]
	cacheTTL  time.Duration
	source    PackageSource
	batchSize int
	safeLimit int
	ecosystem bool
	log       *logger.Logger
}

// OSVOption is a functional option for configuring OSVClient
type OSVOption func(*OSVClient)

// WithBaseURL sets the OSV API root
func WithBaseURL(u string) OSVOption {
	return func(c *OSVClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the retrying HTTP client
func WithHTTPClient(h *httpclient.Client) OSVOption {
	return func(c *OSVClient) {
		c.http = h
	}
}

// WithController sets the controller bounding fallback and hydration requests
func WithController(ctrl *concurrency.Controller) OSVOption {
	return func(c *OSVClient) {
		c.ctrl = ctrl
	}
}

// WithCache stores query results in a shared response cache
func WithCache(rc *cache.Cache[json.RawMessage], ttl time.Duration) OSVOption {
	return func(c *OSVClient) {
		c.cache = rc
		c.cacheTTL = ttl
	}
}

// WithPackageSource sets the registry used for ecosystem discovery and
// safe version search
func WithPackageSource(src PackageSource) OSVOption {
	return func(c *OSVClient) {
		c.source = src
	}
}

// WithBatchSize overrides the number of queries per batch request
func WithBatchSize(n int) OSVOption {
	return func(c *OSVClient) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithSafeVersionLimit bounds how many versions FindSafeVersion inspects
func WithSafeVersionLimit(n int) OSVOption {
	return func(c *OSVClient) {
		if n > 0 {
			c.safeLimit = n
		}
	}
}

// WithEcosystemScan makes CheckVulnerabilities include related packages
func WithEcosystemScan(enabled bool) OSVOption {
	return func(c *OSVClient) {
		c.ecosystem = enabled
	}
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) OSVOption {
	return func(c *OSVClient) {
		c.log = l
	}
}

// NewOSVClient creates an OSV client
func NewOSVClient(opts ...OSVOption) *OSVClient {
	c := &OSVClient{
		baseURL:   DefaultOSVURL,
		batchSize: DefaultBatchSize,
		safeLimit: DefaultSafeVersionLimit,
		log:       logger.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New()
	}
	if c.ctrl == nil {
		c.ctrl = concurrency.New(concurrency.DefaultConcurrency)
	}
	c.log = c.log.With("component", "osv")
	return c
}

// =============================================================================
// Wire format
// =============================================================================

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvQuery struct {
	Package   osvPackage `json:"package"`
	Version   string     `json:"version,omitempty"`
	PageToken string     `json:"page_token,omitempty"`
}

type osvBatchRequest struct {
	Queries []osvQuery `json:"queries"`
}

type osvDatabaseSpecific struct {
	Severity string `json:"severity"`
}

type osvEvent struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
}

type osvVuln struct {
	ID       string   `json:"id"`
	Summary  string   `json:"summary"`
	Details  string   `json:"details"`
	Aliases  []string `json:"aliases"`
	Severity []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
	Affected []struct {
		Package osvPackage `json:"package"`
		Ranges  []struct {
			Type   string     `json:"type"`
			Events []osvEvent `json:"events"`
		} `json:"ranges"`
		DatabaseSpecific osvDatabaseSpecific `json:"database_specific"`
	} `json:"affected"`
	DatabaseSpecific osvDatabaseSpecific `json:"database_specific"`
	References       []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"references"`
}

type osvQueryResponse struct {
	Vulns         []osvVuln `json:"vulns"`
	NextPageToken string    `json:"next_page_token"`
}

type osvBatchResponse struct {
	Results []struct {
		Vulns []struct {
			ID string `json:"id"`
		} `json:"vulns"`
	} `json:"results"`
}

// toVulnerability validates and converts a wire record. Only the affected
// entries naming packageName contribute ranges.
func (v osvVuln) toVulnerability(packageName string) (Vulnerability, bool) {
	if v.ID == "" {
		return Vulnerability{}, false
	}

	out := Vulnerability{
		ID:      v.ID,
		Aliases: v.Aliases,
		Summary: v.Summary,
	}
	if out.Summary == "" {
		out.Summary = firstLine(v.Details)
	}

	var scoreOrVector string
	for _, s := range v.Severity {
		if strings.HasPrefix(s.Type, "CVSS_V3") || scoreOrVector == "" {
			scoreOrVector = s.Score
		}
	}
	label := v.DatabaseSpecific.Severity

	for _, a := range v.Affected {
		if packageName != "" && a.Package.Name != "" && a.Package.Name != packageName {
			continue
		}
		if label == "" {
			label = a.DatabaseSpecific.Severity
		}
		for _, r := range a.Ranges {
			if r.Type != "SEMVER" && r.Type != "ECOSYSTEM" {
				continue
			}
			out.Affected = append(out.Affected, eventsToRanges(r.Events)...)
			for _, e := range r.Events {
				if e.Fixed != "" {
					out.Fixed = append(out.Fixed, e.Fixed)
				}
			}
		}
	}
	out.Severity, out.Score = ClassifySeverity(scoreOrVector, label)

	for _, ref := range v.References {
		if ref.URL != "" {
			out.References = append(out.References, ref.URL)
		}
	}
	return out, true
}

// eventsToRanges turns introduced/fixed event pairs into comparator ranges
func eventsToRanges(events []osvEvent) []string {
	var ranges []string
	introduced := ""
	for _, e := range events {
		switch {
		case e.Introduced != "":
			introduced = e.Introduced
		case e.Fixed != "":
			ranges = append(ranges, lowerBound(introduced)+"<"+e.Fixed)
			introduced = ""
		case e.LastAffected != "":
			ranges = append(ranges, lowerBound(introduced)+"<="+e.LastAffected)
			introduced = ""
		}
	}
	if introduced != "" {
		ranges = append(ranges, strings.TrimSpace(lowerBound(introduced)))
	}
	return ranges
}

func lowerBound(introduced string) string {
	if introduced == "" || introduced == "0" {
		return ">=0.0.0 "
	}
	return ">=" + introduced + " "
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// =============================================================================
// Queries
// =============================================================================

func queryCacheKey(name, version string) string {
	return "osv:" + Ecosystem + ":" + name + "@" + version
}

func (c *OSVClient) cached(name, version string) ([]Vulnerability, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, ok := c.cache.Get(queryCacheKey(name, version))
	if !ok {
		return nil, false
	}
	var vulns []Vulnerability
	if err := json.Unmarshal(raw, &vulns); err != nil {
		return nil, false
	}
	return vulns, true
}

func (c *OSVClient) store(name, version string, vulns []Vulnerability) {
	if c.cache == nil {
		return
	}
	if vulns == nil {
		vulns = []Vulnerability{}
	}
	raw, err := json.Marshal(vulns)
	if err != nil {
		return
	}
	if err := c.cache.Set(queryCacheKey(name, version), raw, c.cacheTTL); err != nil {
		c.log.Debug("cache store failed: %v", err)
	}
}

// Query returns the vulnerabilities affecting one package version
func (c *OSVClient) Query(ctx context.Context, name, version string) ([]Vulnerability, error) {
	if vulns, ok := c.cached(name, version); ok {
		return vulns, nil
	}

	query := osvQuery{Package: osvPackage{Name: name, Ecosystem: Ecosystem}, Version: version}
	vulns := []Vulnerability{}
	for page := 0; page < maxQueryPages; page++ {
		var resp osvQueryResponse
		if err := c.post(ctx, "/v1/query", query, &resp); err != nil {
			return nil, fmt.Errorf("osv query %s@%s: %w", name, version, err)
		}
		for _, raw := range resp.Vulns {
			if v, ok := raw.toVulnerability(name); ok {
				vulns = append(vulns, v)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		query.PageToken = resp.NextPageToken
	}

	SortVulnerabilities(vulns)
	c.store(name, version, vulns)
	return vulns, nil
}

// GetVulnerability fetches one vulnerability record by id
func (c *OSVClient) GetVulnerability(ctx context.Context, id, packageName string) (Vulnerability, error) {
	var raw osvVuln
	if err := c.get(ctx, "/v1/vulns/"+url.PathEscape(id), &raw); err != nil {
		return Vulnerability{}, fmt.Errorf("osv vuln %s: %w", id, err)
	}
	v, ok := raw.toVulnerability(packageName)
	if !ok {
		return Vulnerability{}, fmt.Errorf("osv vuln %s: record without id", id)
	}
	return v, nil
}

// QueryBatch looks up many package versions. Queries are sent in chunks to
// the batch endpoint; a chunk whose batch call fails is retried as
// individual queries under the controller's bounds. Results are aligned
// with queries.
func (c *OSVClient) QueryBatch(ctx context.Context, queries []PackageQuery) []BatchResult {
	results := make([]BatchResult, len(queries))
	var pending []int
	for i, q := range queries {
		results[i].Query = q
		if vulns, ok := c.cached(q.Name, q.Version); ok {
			results[i].Vulnerabilities = vulns
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += c.batchSize {
		end := min(start+c.batchSize, len(pending))
		chunk := pending[start:end]
		if err := c.queryChunk(ctx, queries, chunk, results); err != nil {
			c.log.Warn("batch query failed, falling back to single queries: %v", err)
			c.queryEach(ctx, queries, chunk, results)
		}
	}
	return results
}

// queryChunk runs one batch request and hydrates the returned ids
func (c *OSVClient) queryChunk(ctx context.Context, queries []PackageQuery, chunk []int, results []BatchResult) error {
	req := osvBatchRequest{Queries: make([]osvQuery, len(chunk))}
	for j, idx := range chunk {
		q := queries[idx]
		req.Queries[j] = osvQuery{Package: osvPackage{Name: q.Name, Ecosystem: Ecosystem}, Version: q.Version}
	}

	var resp osvBatchResponse
	if err := c.post(ctx, "/v1/querybatch", req, &resp); err != nil {
		return err
	}
	if len(resp.Results) != len(chunk) {
		return fmt.Errorf("batch response has %d results for %d queries", len(resp.Results), len(chunk))
	}

	// hydrate each distinct (id, package) pair once
	type idRef struct{ id, pkg string }
	var refs []idRef
	seen := make(map[idRef]bool)
	for j, r := range resp.Results {
		for _, v := range r.Vulns {
			ref := idRef{id: v.ID, pkg: queries[chunk[j]].Name}
			if v.ID != "" && !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}

	hydrated := concurrency.Map(ctx, c.ctrl, refs, func(ctx context.Context, ref idRef) (Vulnerability, error) {
		return c.GetVulnerability(ctx, ref.id, ref.pkg)
	}, nil)
	byRef := make(map[idRef]Vulnerability, len(refs))
	degraded := make(map[idRef]bool)
	for i, h := range hydrated {
		if h.Err != nil {
			c.log.Debug("hydration of %s failed: %v", refs[i].id, h.Err)
			byRef[refs[i]] = Vulnerability{ID: refs[i].id, Severity: SeverityUnknown}
			degraded[refs[i]] = true
			continue
		}
		byRef[refs[i]] = h.Value
	}

	for j, r := range resp.Results {
		idx := chunk[j]
		q := queries[idx]
		vulns := make([]Vulnerability, 0, len(r.Vulns))
		partial := false
		for _, v := range r.Vulns {
			ref := idRef{id: v.ID, pkg: q.Name}
			if hv, ok := byRef[ref]; ok {
				vulns = append(vulns, hv)
				partial = partial || degraded[ref]
			}
		}
		SortVulnerabilities(vulns)
		results[idx].Vulnerabilities = vulns
		results[idx].Err = nil
		// placeholder severities must not outlive the failed lookup
		if !partial {
			c.store(q.Name, q.Version, vulns)
		}
	}
	return nil
}

// queryEach runs the queries of a failed chunk one by one
func (c *OSVClient) queryEach(ctx context.Context, queries []PackageQuery, chunk []int, results []BatchResult) {
	single := concurrency.Map(ctx, c.ctrl, chunk, func(ctx context.Context, idx int) ([]Vulnerability, error) {
		q := queries[idx]
		return c.Query(ctx, q.Name, q.Version)
	}, nil)
	for j, res := range single {
		idx := chunk[j]
		results[idx].Vulnerabilities = res.Value
		results[idx].Err = res.Err
		if res.Err != nil {
			c.log.Warn("query for %s@%s failed: %v", queries[idx].Name, queries[idx].Version, res.Err)
		}
	}
}

// CheckVulnerabilities returns a report for one package version. It never
// fails: on error the report is empty and marked incomplete. When
// ecosystem scanning is enabled, findings of related packages are merged
// and tagged with their source package.
func (c *OSVClient) CheckVulnerabilities(ctx context.Context, name, version string) *Report {
	report := EmptyReport(name, version, SourceOSV)

	vulns, err := c.Query(ctx, name, version)
	if err != nil {
		c.log.Warn("vulnerability check for %s@%s failed: %v", name, version, err)
		report.Incomplete = true
		return report
	}
	report.Vulnerabilities = vulns

	if c.ecosystem && c.source != nil {
		c.mergeEcosystem(ctx, report)
	}
	return report
}

// CheckEcosystem is CheckVulnerabilities with ecosystem scanning forced on
func (c *OSVClient) CheckEcosystem(ctx context.Context, name, version string) *Report {
	report := EmptyReport(name, version, SourceOSV)
	vulns, err := c.Query(ctx, name, version)
	if err != nil {
		c.log.Warn("vulnerability check for %s@%s failed: %v", name, version, err)
		report.Incomplete = true
	} else {
		report.Vulnerabilities = vulns
	}
	if c.source != nil {
		c.mergeEcosystem(ctx, report)
	}
	return report
}

func (c *OSVClient) mergeEcosystem(ctx context.Context, report *Report) {
	related := c.DiscoverEcosystem(ctx, report.Package, report.Version)
	if len(related) == 0 {
		return
	}

	queries := make([]PackageQuery, len(related))
	for i, p := range related {
		queries[i] = PackageQuery{Name: p.Name, Version: p.Version}
	}
	for _, res := range c.QueryBatch(ctx, queries) {
		if res.Err != nil {
			continue
		}
		tagged := make([]Vulnerability, len(res.Vulnerabilities))
		for i, v := range res.Vulnerabilities {
			v.SourcePackage = res.Query.Name
			tagged[i] = v
		}
		report.merge(tagged)
	}
	SortVulnerabilities(report.Vulnerabilities)
}

// =============================================================================
// Transport
// =============================================================================

func (c *OSVClient) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.http.PostJSON(ctx, c.baseURL+path, body, map[string]string{"Accept": "application/json"})
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *OSVClient) get(ctx context.Context, path string, out any) error {
	resp, err := c.http.Get(ctx, c.baseURL+path, map[string]string{"Accept": "application/json"})
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
