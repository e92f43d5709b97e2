package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/obentoo/catalogkit/internal/common/semver"
	"github.com/obentoo/catalogkit/internal/security"
)

// SourceNpmAudit identifies reports produced by the registry audit endpoint
const SourceNpmAudit = "npm-audit"

const bulkAdvisoryPath = "-/npm/v1/security/advisories/bulk"

type bulkAdvisory struct {
	ID                 int      `json:"id"`
	URL                string   `json:"url"`
	Title              string   `json:"title"`
	Severity           string   `json:"severity"`
	VulnerableVersions string   `json:"vulnerable_versions"`
	CWE                []string `json:"cwe"`
	CVSS               struct {
		Score        float64 `json:"score"`
		VectorString string  `json:"vectorString"`
	} `json:"cvss"`
}

// advisoryID prefers the GHSA id embedded in the advisory URL
func (a bulkAdvisory) advisoryID() string {
	if i := strings.LastIndex(a.URL, "/GHSA-"); i >= 0 {
		return a.URL[i+1:]
	}
	return "NPM-" + strconv.Itoa(a.ID)
}

func (a bulkAdvisory) toVulnerability() security.Vulnerability {
	scoreOrVector := a.CVSS.VectorString
	if a.CVSS.Score > 0 {
		scoreOrVector = strconv.FormatFloat(a.CVSS.Score, 'f', 1, 64)
	}
	sev, score := security.ClassifySeverity(scoreOrVector, a.Severity)

	v := security.Vulnerability{
		ID:       a.advisoryID(),
		Summary:  a.Title,
		Severity: sev,
		Score:    score,
	}
	if a.VulnerableVersions != "" {
		v.Affected = []string{a.VulnerableVersions}
	}
	if a.URL != "" {
		v.References = []string{a.URL}
	}
	return v
}

// CheckSecurityVulnerabilities asks the registry's bulk advisory endpoint
// about one package version. Lookup failures yield an empty report marked
// Incomplete rather than an error.
func (c *Client) CheckSecurityVulnerabilities(ctx context.Context, name, version string) *security.Report {
	registry := c.RegistryFor(name)
	key := "security:" + registry + ":" + name + "@" + version

	if c.cache != nil {
		if raw, ok := c.cache.Get(key); ok {
			var report security.Report
			if err := json.Unmarshal(raw, &report); err == nil {
				return &report
			}
		}
	}

	report := security.EmptyReport(name, version, SourceNpmAudit)
	vulns, err := c.bulkAdvisories(ctx, registry, name, version)
	if err != nil {
		c.log.Warn("security audit for %s@%s failed: %v", name, version, err)
		report.Incomplete = true
		return report
	}
	report.Vulnerabilities = vulns
	report.CheckedAt = time.Now()

	if c.cache != nil {
		if raw, err := json.Marshal(report); err == nil {
			if err := c.cache.Set(key, raw, c.securityTTL()); err != nil {
				c.log.Debug("cache store for %s failed: %v", key, err)
			}
		}
	}
	return report
}

// CheckVulnerabilities makes the client a security.Scanner
func (c *Client) CheckVulnerabilities(ctx context.Context, name, version string) *security.Report {
	return c.CheckSecurityVulnerabilities(ctx, name, version)
}

func (c *Client) bulkAdvisories(ctx context.Context, registry, name, version string) ([]security.Vulnerability, error) {
	headers := map[string]string{}
	if auth := c.npmrc.AuthorizationFor(registry); auth != "" {
		headers["Authorization"] = auth
	}

	body := map[string][]string{name: {version}}
	resp, err := c.http.PostJSON(ctx, registry+bulkAdvisoryPath, body, headers)
	if err != nil {
		return nil, &RegistryError{Op: "audit", Package: name, Registry: registry, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &RegistryError{Op: "audit", Package: name, Registry: registry, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var advisories map[string][]bulkAdvisory
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&advisories); err != nil {
		return nil, &RegistryError{Op: "audit", Package: name, Registry: registry, Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}

	v, err := semver.Parse(version)
	if err != nil {
		return nil, err
	}

	vulns := []security.Vulnerability{}
	for _, a := range advisories[name] {
		// the endpoint may return advisories for other versions
		if a.VulnerableVersions != "" {
			if r, err := semver.ParseRange(a.VulnerableVersions); err == nil && !r.Includes(v) {
				continue
			}
		}
		vulns = append(vulns, a.toVulnerability())
	}
	security.SortVulnerabilities(vulns)
	return vulns, nil
}
