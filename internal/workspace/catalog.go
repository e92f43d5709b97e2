// Package workspace models a pnpm workspace: its catalogs, its member
// packages and the pnpm-workspace.yaml file they are read from.
package workspace

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/obentoo/catalogkit/internal/common/semver"
)

// DefaultCatalog is the name of the unnamed "catalog:" declaration
const DefaultCatalog = "default"

const maxPackageNameLength = 214

// Error variables for workspace errors
var (
	// ErrCatalogNotFound is returned when a catalog name is unknown
	ErrCatalogNotFound = errors.New("catalog not found")
	// ErrInvalidPackageName is returned for names npm would not publish
	ErrInvalidPackageName = errors.New("invalid package name")
	// ErrPackageNotInCatalog is returned when updating an entry that does not exist
	ErrPackageNotInCatalog = errors.New("package not in catalog")
)

// CatalogNotFoundError names the missing catalog and the ones available
type CatalogNotFoundError struct {
	Name      string
	Available []string
}

func (e *CatalogNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("catalog %q not found: workspace declares no catalogs", e.Name)
	}
	return fmt.Sprintf("catalog %q not found (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

func (e *CatalogNotFoundError) Unwrap() error {
	return ErrCatalogNotFound
}

// packageNamePattern follows npm's validate-npm-package-name for new packages
var packageNamePattern = regexp.MustCompile(`^(?:@[a-z0-9-*~][a-z0-9-*._~]*/)?[a-z0-9-~][a-z0-9-._~]*$`)

// ValidatePackageName checks name against npm naming rules
func ValidatePackageName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidPackageName)
	case len(name) > maxPackageNameLength:
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidPackageName, name, maxPackageNameLength)
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("%w: %q has surrounding spaces", ErrInvalidPackageName, name)
	case !packageNamePattern.MatchString(name):
		return fmt.Errorf("%w: %q", ErrInvalidPackageName, name)
	}
	return nil
}

// Catalog maps package names to version ranges. Every stored name and
// range is valid; entries change only through SetVersionRange.
type Catalog struct {
	Name    string
	entries map[string]string
}

// NewCatalog builds a catalog from entries, rejecting it if any entry is
// invalid. All invalid entries are reported together.
func NewCatalog(name string, entries map[string]string) (*Catalog, error) {
	c, errs := buildCatalog(name, entries)
	if errs != nil {
		return nil, fmt.Errorf("catalog %s: %w", name, errs)
	}
	return c, nil
}

// buildCatalog keeps the valid entries and returns the others' errors
// combined.
func buildCatalog(name string, entries map[string]string) (*Catalog, error) {
	c := &Catalog{Name: name, entries: make(map[string]string, len(entries))}

	var errs error
	for _, pkg := range sortedKeys(entries) {
		if err := c.SetVersionRange(pkg, entries[pkg]); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return c, errs
}

// Get returns the range declared for pkg
func (c *Catalog) Get(pkg string) (string, bool) {
	rng, ok := c.entries[pkg]
	return rng, ok
}

// Has reports whether pkg is declared
func (c *Catalog) Has(pkg string) bool {
	_, ok := c.entries[pkg]
	return ok
}

// Names returns the declared package names, sorted
func (c *Catalog) Names() []string {
	return sortedKeys(c.entries)
}

// Entries returns a copy of the package to range mapping
func (c *Catalog) Entries() map[string]string {
	out := make(map[string]string, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Len returns the number of entries
func (c *Catalog) Len() int {
	return len(c.entries)
}

// SetVersionRange validates and stores the range for pkg
func (c *Catalog) SetVersionRange(pkg, rng string) error {
	if err := ValidatePackageName(pkg); err != nil {
		return err
	}
	if _, err := semver.ParseRange(rng); err != nil {
		return fmt.Errorf("%s: %w", pkg, err)
	}
	c.entries[pkg] = rng
	return nil
}

// UpdateVersionRange replaces the range of an existing entry
func (c *Catalog) UpdateVersionRange(pkg, rng string) error {
	if !c.Has(pkg) {
		return fmt.Errorf("%w: %s in %s", ErrPackageNotInCatalog, pkg, c.Name)
	}
	return c.SetVersionRange(pkg, rng)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
