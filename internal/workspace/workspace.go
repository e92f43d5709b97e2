package workspace

import (
	"sort"
	"strings"
)

// DependencyType is the package.json section a dependency is declared in
type DependencyType string

// Dependency sections read from package.json
const (
	Dependencies         DependencyType = "dependencies"
	DevDependencies      DependencyType = "devDependencies"
	PeerDependencies     DependencyType = "peerDependencies"
	OptionalDependencies DependencyType = "optionalDependencies"
)

var dependencyTypes = []DependencyType{Dependencies, DevDependencies, PeerDependencies, OptionalDependencies}

const catalogProtocol = "catalog:"

// DependencyRef is one dependency of a workspace package
type DependencyRef struct {
	Name      string
	Specifier string
	Type      DependencyType
	// Catalog is the referenced catalog for "catalog:" specifiers, else ""
	Catalog string
}

// IsCatalog reports whether the dependency resolves through a catalog
func (d DependencyRef) IsCatalog() bool {
	return d.Catalog != ""
}

// ParseCatalogSpecifier returns the catalog named by a "catalog:" or
// "catalog:<name>" specifier
func ParseCatalogSpecifier(spec string) (string, bool) {
	spec = strings.TrimSpace(spec)
	if !strings.HasPrefix(spec, catalogProtocol) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(spec, catalogProtocol))
	if name == "" {
		name = DefaultCatalog
	}
	return name, true
}

// Package is a workspace member
type Package struct {
	Name string
	// Path is relative to the workspace root; "." for the root package
	Path         string
	Dependencies map[string]DependencyRef
}

// UsesCatalog reports whether the package takes pkg from catalog
func (p Package) UsesCatalog(catalog, pkg string) bool {
	dep, ok := p.Dependencies[pkg]
	return ok && dep.Catalog == catalog
}

// Workspace holds the catalogs and member packages of one workspace. It is
// the source of truth for catalog contents during a check, plan and
// execute cycle.
type Workspace struct {
	Root       string
	ConfigPath string
	Patterns   []string
	Packages   []Package
	// Invalid lists catalog entries that were skipped while loading
	Invalid []string

	catalogs map[string]*Catalog
}

// New returns a workspace holding catalogs
func New(root string, catalogs ...*Catalog) *Workspace {
	w := &Workspace{Root: root, catalogs: make(map[string]*Catalog)}
	for _, c := range catalogs {
		w.AddCatalog(c)
	}
	return w
}

// AddCatalog adds or replaces a catalog
func (w *Workspace) AddCatalog(c *Catalog) {
	w.catalogs[c.Name] = c
}

// Catalog returns the named catalog or a *CatalogNotFoundError
func (w *Workspace) Catalog(name string) (*Catalog, error) {
	if c, ok := w.catalogs[name]; ok {
		return c, nil
	}
	return nil, &CatalogNotFoundError{Name: name, Available: w.CatalogNames()}
}

// CatalogNames returns the catalog names, sorted
func (w *Workspace) CatalogNames() []string {
	return sortedKeys(w.catalogs)
}

// Catalogs returns every catalog, sorted by name
func (w *Workspace) Catalogs() []*Catalog {
	out := make([]*Catalog, 0, len(w.catalogs))
	for _, name := range w.CatalogNames() {
		out = append(out, w.catalogs[name])
	}
	return out
}

// CatalogsWith returns the names of the catalogs declaring pkg, sorted
func (w *Workspace) CatalogsWith(pkg string) []string {
	var names []string
	for _, name := range w.CatalogNames() {
		if w.catalogs[name].Has(pkg) {
			names = append(names, name)
		}
	}
	return names
}

// PackagesUsing returns the names of the member packages that take pkg
// from catalog, sorted
func (w *Workspace) PackagesUsing(catalog, pkg string) []string {
	var names []string
	for _, p := range w.Packages {
		if p.UsesCatalog(catalog, pkg) {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return names
}

// TotalEntries returns the number of entries across all catalogs
func (w *Workspace) TotalEntries() int {
	total := 0
	for _, c := range w.catalogs {
		total += c.Len()
	}
	return total
}
