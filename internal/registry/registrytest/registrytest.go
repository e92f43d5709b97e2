// Package registrytest provides an in-memory npm registry for tests.
package registrytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Version is one published version of a fake package
type Version struct {
	Version          string
	Published        time.Time
	Dependencies     map[string]string
	PeerDependencies map[string]string
	Deprecated       string
}

// Package is a fake package
type Package struct {
	Name       string
	DistTags   map[string]string
	Versions   []Version
	Repository string
}

// Advisory is a fake bulk audit advisory
type Advisory struct {
	ID                 int
	URL                string
	Title              string
	Severity           string
	VulnerableVersions string
	Score              float64
}

// Server is a fake registry serving packuments and bulk advisories
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	packages   map[string]Package
	advisories map[string][]Advisory
	failures   map[string]int
	requests   map[string]int
	auth       map[string]string
	paths      []string
	auditCalls int
}

// New starts a fake registry closed at test cleanup
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		packages:   make(map[string]Package),
		advisories: make(map[string][]Advisory),
		failures:   make(map[string]int),
		requests:   make(map[string]int),
		auth:       make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Registry returns the registry URL with a trailing slash
func (s *Server) Registry() string {
	return s.URL + "/"
}

// AddPackage publishes p, replacing any previous package of that name
func (s *Server) AddPackage(p Package) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[p.Name] = p
}

// AddAdvisory registers an advisory returned by the bulk endpoint
func (s *Server) AddAdvisory(name string, a Advisory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advisories[name] = append(s.advisories[name], a)
}

// FailWith makes every packument request for name answer status
func (s *Server) FailWith(name string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = status
}

// Requests returns the number of packument requests for name
func (s *Server) Requests(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[name]
}

// AuditCalls returns the number of bulk advisory requests
func (s *Server) AuditCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auditCalls
}

// Authorization returns the last Authorization header sent for name
func (s *Server) Authorization(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth[name]
}

// Paths returns the escaped request paths seen, in order
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/-/npm/v1/security/advisories/bulk") {
		s.serveAudit(w, r)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")

	s.mu.Lock()
	s.requests[name]++
	s.auth[name] = r.Header.Get("Authorization")
	s.paths = append(s.paths, r.URL.EscapedPath())
	status, failing := s.failures[name]
	pkg, ok := s.packages[name]
	s.mu.Unlock()

	switch {
	case failing:
		w.WriteHeader(status)
		return
	case !ok:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"Not found"}`))
		return
	}

	abbreviated := strings.Contains(r.Header.Get("Accept"), "application/vnd.npm.install-v1+json")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(packument(pkg, abbreviated))
}

func (s *Server) serveAudit(w http.ResponseWriter, r *http.Request) {
	var req map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.auditCalls++
	out := make(map[string][]map[string]any)
	for name := range req {
		for _, a := range s.advisories[name] {
			out[name] = append(out[name], map[string]any{
				"id":                  a.ID,
				"url":                 a.URL,
				"title":               a.Title,
				"severity":            a.Severity,
				"vulnerable_versions": a.VulnerableVersions,
				"cwe":                 []string{},
				"cvss":                map[string]any{"score": a.Score, "vectorString": ""},
			})
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func packument(p Package, abbreviated bool) map[string]any {
	versions := make(map[string]any, len(p.Versions))
	times := map[string]string{}
	var modified time.Time
	for _, v := range p.Versions {
		m := map[string]any{"name": p.Name, "version": v.Version}
		if v.Dependencies != nil {
			m["dependencies"] = v.Dependencies
		}
		if v.PeerDependencies != nil {
			m["peerDependencies"] = v.PeerDependencies
		}
		if v.Deprecated != "" {
			m["deprecated"] = v.Deprecated
		}
		versions[v.Version] = m
		if !v.Published.IsZero() {
			times[v.Version] = v.Published.UTC().Format(time.RFC3339)
			if v.Published.After(modified) {
				modified = v.Published
			}
		}
	}

	distTags := p.DistTags
	if distTags == nil {
		distTags = map[string]string{}
	}
	out := map[string]any{
		"name":      p.Name,
		"dist-tags": distTags,
		"versions":  versions,
	}
	if abbreviated {
		if !modified.IsZero() {
			out["modified"] = modified.UTC().Format(time.RFC3339)
		}
		return out
	}
	if !modified.IsZero() {
		times["modified"] = modified.UTC().Format(time.RFC3339)
	}
	out["time"] = times
	if p.Repository != "" {
		out["repository"] = map[string]string{"type": "git", "url": p.Repository}
	}
	return out
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Lodash returns a lodash fixture: 4.17.21 is latest, 3.10.1 is the most
// recently published stable release and 5.0.0-rc.1 is a prerelease.
func Lodash() Package {
	return Package{
		Name:       "lodash",
		DistTags:   map[string]string{"latest": "4.17.21", "next": "5.0.0-rc.1"},
		Repository: "git+https://github.com/lodash/lodash.git",
		Versions: []Version{
			{Version: "3.9.0", Published: date(2015, 5, 1)},
			{Version: "3.9.1", Published: date(2015, 6, 1)},
			{Version: "3.10.1", Published: date(2021, 3, 1)},
			{Version: "4.17.20", Published: date(2020, 8, 13)},
			{Version: "4.17.21", Published: date(2021, 2, 20)},
			{Version: "5.0.0-rc.1", Published: date(2022, 1, 10)},
		},
	}
}

// React returns react and react-dom fixtures sharing a repository, with
// react-dom peering on the matching react version.
func React() []Package {
	repo := "git+https://github.com/facebook/react.git"
	react := Package{
		Name:       "react",
		DistTags:   map[string]string{"latest": "18.3.1"},
		Repository: repo,
	}
	dom := Package{
		Name:       "react-dom",
		DistTags:   map[string]string{"latest": "18.3.1"},
		Repository: repo,
	}
	for i, v := range []string{"18.2.0", "18.3.0", "18.3.1"} {
		at := date(2022+i, 6, 1)
		react.Versions = append(react.Versions, Version{
			Version:      v,
			Published:    at,
			Dependencies: map[string]string{"loose-envify": "^1.1.0"},
		})
		dom.Versions = append(dom.Versions, Version{
			Version:          v,
			Published:        at,
			Dependencies:     map[string]string{"loose-envify": "^1.1.0", "scheduler": "^0.23.0"},
			PeerDependencies: map[string]string{"react": "^" + v},
		})
	}
	return []Package{react, dom}
}
