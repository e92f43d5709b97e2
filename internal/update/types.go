// Package update turns catalog entries into outdated reports, update plans
// and applied changes: the check, plan and execute pipeline.
package update

import (
	"errors"
	"time"

	"github.com/obentoo/catalogkit/internal/common/semver"
	"github.com/obentoo/catalogkit/internal/registry"
)

// Error variables for update errors
var (
	// ErrPackageNotFound is returned when a package is in no catalog
	ErrPackageNotFound = errors.New("package not found in any catalog")
	// ErrNoPlan is returned when applying without a stored plan
	ErrNoPlan = errors.New("no stored update plan")
)

// UpdateType classifies a version change
type UpdateType = semver.DiffType

// OutdatedDependencyInfo describes one catalog entry with a newer version
type OutdatedDependencyInfo struct {
	PackageName      string     `json:"packageName"`
	CatalogName      string     `json:"catalogName"`
	CurrentVersion   string     `json:"currentVersion"`
	LatestVersion    string     `json:"latestVersion"`
	Wanted           string     `json:"wanted"`
	UpdateType       UpdateType `json:"updateType"`
	IsSecurityUpdate bool       `json:"isSecurityUpdate"`
	Vulnerabilities  int        `json:"vulnerabilities,omitempty"`
	AffectedPackages []string   `json:"affectedPackages"`
}

// CatalogReport is the check result of one catalog
type CatalogReport struct {
	CatalogName   string                   `json:"catalogName"`
	TotalPackages int                      `json:"totalPackages"`
	OutdatedCount int                      `json:"outdatedCount"`
	Outdated      []OutdatedDependencyInfo `json:"outdatedDependencies"`
}

// OutdatedReport aggregates the check results of every catalog checked
type OutdatedReport struct {
	Timestamp     time.Time                 `json:"timestamp"`
	TotalCatalogs int                       `json:"totalCatalogs"`
	TotalPackages int                       `json:"totalPackages"`
	OutdatedCount int                       `json:"outdatedCount"`
	Catalogs      []CatalogReport           `json:"catalogs"`
	Failures      []registry.PackageFailure `json:"failures,omitempty"`
	HasUpdates    bool                      `json:"hasUpdates"`
}

// PlannedUpdate is one catalog entry change
type PlannedUpdate struct {
	CatalogName         string     `json:"catalogName"`
	PackageName         string     `json:"packageName"`
	CurrentVersion      string     `json:"currentVersion"`
	NewVersion          string     `json:"newVersion"`
	UpdateType          UpdateType `json:"updateType"`
	Reason              string     `json:"reason"`
	AffectedPackages    []string   `json:"affectedPackages"`
	RequireConfirmation bool       `json:"requireConfirmation"`
	AutoUpdate          bool       `json:"autoUpdate"`
	GroupUpdate         bool       `json:"groupUpdate"`
	IsSecurityUpdate    bool       `json:"isSecurityUpdate"`
}

// ConflictEntry is one catalog's side of a version conflict
type ConflictEntry struct {
	CatalogName     string `json:"catalogName"`
	CurrentVersion  string `json:"currentVersion"`
	ProposedVersion string `json:"proposedVersion"`
}

// VersionConflict records catalogs that targeted different versions of one
// package and how that was resolved
type VersionConflict struct {
	PackageName     string          `json:"packageName"`
	Catalogs        []ConflictEntry `json:"catalogs"`
	Resolution      string          `json:"recommendedResolution"`
	ResolvedVersion string          `json:"resolvedVersion,omitempty"`
	SourceOfTruth   string          `json:"sourceOfTruth,omitempty"`
	// Resolved is false when catalogs still disagree after resolution
	Resolved bool `json:"resolved"`
}

// UpdatePlan is the ordered set of updates to apply
type UpdatePlan struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Target       registry.Target   `json:"target"`
	Updates      []PlannedUpdate   `json:"updates"`
	Conflicts    []VersionConflict `json:"conflicts"`
	HasConflicts bool              `json:"hasConflicts"`
	TotalUpdates int               `json:"totalUpdates"`
}

// HasUnresolvedConflicts reports whether any conflict survived resolution
func (p *UpdatePlan) HasUnresolvedConflicts() bool {
	for _, c := range p.Conflicts {
		if !c.Resolved {
			return true
		}
	}
	return false
}

// UpdatedDependency is an applied change
type UpdatedDependency struct {
	CatalogName string `json:"catalogName"`
	PackageName string `json:"packageName"`
	OldRange    string `json:"oldVersion"`
	NewRange    string `json:"newVersion"`
}

// SkippedDependency is a planned change that was not applied
type SkippedDependency struct {
	CatalogName string `json:"catalogName"`
	PackageName string `json:"packageName"`
	Reason      string `json:"reason"`
}

// UpdateError is a failure during execution. Fatal errors are persistence
// failures and carry no catalog or package.
type UpdateError struct {
	CatalogName string `json:"catalogName"`
	PackageName string `json:"packageName"`
	Message     string `json:"error"`
	Fatal       bool   `json:"fatal"`
}

// UpdateResult aggregates one execution
type UpdateResult struct {
	Success      bool                `json:"success"`
	Updated      []UpdatedDependency `json:"updatedDependencies"`
	Skipped      []SkippedDependency `json:"skippedDependencies"`
	Errors       []UpdateError       `json:"errors"`
	TotalUpdated int                 `json:"totalUpdated"`
	TotalSkipped int                 `json:"totalSkipped"`
	TotalErrors  int                 `json:"totalErrors"`
	DryRun       bool                `json:"dryRun"`
	BackupPath   string              `json:"backupPath,omitempty"`
	Duration     time.Duration       `json:"duration"`
}
