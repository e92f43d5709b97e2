// Package security provides vulnerability lookups for npm packages.
//
// The package implements:
//   - An OSV (https://osv.dev) client with single and batch queries
//   - Severity classification from CVSS scores, CVSS v3 vectors or labels
//   - Ecosystem discovery: dependencies and monorepo siblings of a package
//   - A forward search for the nearest version without critical or high
//     vulnerabilities
//
// Every lookup is soft: callers always receive a report, possibly empty,
// and failures are logged instead of returned. Security data enriches a
// check but never blocks it.
//
// Both the OSV client and the registry audit endpoint satisfy Scanner, so
// the backend is a configuration choice:
//
//	client := security.NewOSVClient(security.WithPackageSource(registryClient))
//	report := client.CheckVulnerabilities(ctx, "lodash", "4.17.20")
//	if report.HasCriticalOrHigh() {
//	    safe, _ := client.FindSafeVersion(ctx, "lodash", "4.17.20")
//	}
package security
