package security

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Severity is a normalised vulnerability severity
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityModerate Severity = "moderate"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

// rank orders severities from least to most severe
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityModerate:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// SeverityFromScore maps a CVSS base score to a severity
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityModerate
	default:
		return SeverityLow
	}
}

// SeverityFromLabel maps a free-form severity label to a severity.
// Unrecognised labels map to SeverityUnknown.
func SeverityFromLabel(label string) Severity {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "critical":
		return SeverityCritical
	case "high", "important":
		return SeverityHigh
	case "moderate", "medium":
		return SeverityModerate
	case "low", "info", "informational", "negligible":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// ClassifySeverity derives a severity from the first usable signal: a
// numeric score or CVSS v3 vector, then a label, else unknown.
func ClassifySeverity(scoreOrVector, label string) (Severity, float64) {
	if s := strings.TrimSpace(scoreOrVector); s != "" {
		if score, err := strconv.ParseFloat(s, 64); err == nil {
			return SeverityFromScore(score), score
		}
		if score, err := CVSS3BaseScore(s); err == nil {
			return SeverityFromScore(score), score
		}
	}
	if label != "" {
		return SeverityFromLabel(label), 0
	}
	return SeverityUnknown, 0
}

// Vulnerability is one advisory affecting a package version
type Vulnerability struct {
	ID            string   `json:"id"`
	Aliases       []string `json:"aliases,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	Severity      Severity `json:"severity"`
	Score         float64  `json:"score,omitempty"`
	Affected      []string `json:"affected,omitempty"` // affected version ranges
	Fixed         []string `json:"fixed,omitempty"`    // versions containing a fix
	References    []string `json:"references,omitempty"`
	SourcePackage string   `json:"sourcePackage,omitempty"` // set for ecosystem findings
}

// CVEs returns the CVE identifiers among the id and aliases
func (v Vulnerability) CVEs() []string {
	var cves []string
	for _, id := range append([]string{v.ID}, v.Aliases...) {
		if strings.HasPrefix(id, "CVE-") {
			cves = append(cves, id)
		}
	}
	return cves
}

// Report is the outcome of a vulnerability lookup
type Report struct {
	Package         string          `json:"package"`
	Version         string          `json:"version"`
	Source          string          `json:"source"`
	CheckedAt       time.Time       `json:"checkedAt"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	// Incomplete is set when the lookup failed and the report is empty
	// for that reason rather than because nothing was found
	Incomplete bool `json:"incomplete,omitempty"`
}

// EmptyReport returns a report without findings
func EmptyReport(name, version, source string) *Report {
	return &Report{
		Package:         name,
		Version:         version,
		Source:          source,
		CheckedAt:       time.Now(),
		Vulnerabilities: []Vulnerability{},
	}
}

// HasVulnerabilities reports whether any vulnerability was found
func (r *Report) HasVulnerabilities() bool {
	return r != nil && len(r.Vulnerabilities) > 0
}

// HasCriticalOrHigh reports whether a critical or high vulnerability was found
func (r *Report) HasCriticalOrHigh() bool {
	if r == nil {
		return false
	}
	for _, v := range r.Vulnerabilities {
		if v.Severity.AtLeast(SeverityHigh) {
			return true
		}
	}
	return false
}

// Counts returns the number of vulnerabilities per severity
func (r *Report) Counts() map[Severity]int {
	counts := make(map[Severity]int)
	if r == nil {
		return counts
	}
	for _, v := range r.Vulnerabilities {
		counts[v.Severity]++
	}
	return counts
}

// Highest returns the most severe finding's severity, or "" when empty
func (r *Report) Highest() Severity {
	var highest Severity
	if r == nil {
		return highest
	}
	for _, v := range r.Vulnerabilities {
		if highest == "" || v.Severity.rank() > highest.rank() {
			highest = v.Severity
		}
	}
	return highest
}

// merge appends vulns not already present, keyed by id and source package
func (r *Report) merge(vulns []Vulnerability) {
	seen := make(map[string]bool, len(r.Vulnerabilities))
	for _, v := range r.Vulnerabilities {
		seen[v.SourcePackage+"|"+v.ID] = true
	}
	for _, v := range vulns {
		key := v.SourcePackage + "|" + v.ID
		if seen[key] {
			continue
		}
		seen[key] = true
		r.Vulnerabilities = append(r.Vulnerabilities, v)
	}
}

// SortVulnerabilities orders by severity, most severe first, then by id
func SortVulnerabilities(vulns []Vulnerability) {
	sort.SliceStable(vulns, func(i, j int) bool {
		if vulns[i].Severity.rank() != vulns[j].Severity.rank() {
			return vulns[i].Severity.rank() > vulns[j].Severity.rank()
		}
		return vulns[i].ID < vulns[j].ID
	})
}

//go:generate go run go.uber.org/mock/mockgen@v0.5.2 -destination=mock_scanner.gen.go -package=security . Scanner

// Scanner is the security signal consumed by the update checker
type Scanner interface {
	CheckVulnerabilities(ctx context.Context, name, version string) *Report
}

// PackageInfo is the registry data used for ecosystem discovery
type PackageInfo struct {
	Name                 string
	Version              string
	Repository           string
	Dependencies         map[string]string
	PeerDependencies     map[string]string
	OptionalDependencies map[string]string
}

// PackageSource supplies registry data to the advisory client
type PackageSource interface {
	// PackageInfo returns the manifest of one published version
	PackageInfo(ctx context.Context, name, version string) (*PackageInfo, error)
	// ListVersions returns every published version of a package
	ListVersions(ctx context.Context, name string) ([]string, error)
}
