package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/obentoo/catalogkit/internal/common/output"
	"github.com/obentoo/catalogkit/internal/security"
	"github.com/obentoo/catalogkit/internal/update"
)

// newTable returns a borderless, left-aligned table
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetHeaderLine(false)
	t.SetColumnSeparator("")
	t.SetCenterSeparator("")
	t.SetRowSeparator("")
	return t
}

func renderReport(w io.Writer, report *update.OutdatedReport) {
	if !report.HasUpdates {
		output.Success.Fprintf(w, "✓ All %d catalog entries are up to date\n", report.TotalPackages)
		renderFailures(w, report)
		return
	}

	t := newTable(w, "Catalog", "Package", "Current", "Wanted", "Latest", "Type", "Security", "Used by")
	for _, cat := range report.Catalogs {
		for _, info := range cat.Outdated {
			sec := ""
			if info.IsSecurityUpdate {
				sec = output.Sprintf(output.High, "%s", pluralize(info.Vulnerabilities, "vulnerability", "vulnerabilities"))
			}
			t.Append([]string{
				cat.CatalogName,
				output.Package.Sprint(info.PackageName),
				info.CurrentVersion,
				info.Wanted,
				output.UpdateTypeColor(string(info.UpdateType)).Sprint(info.LatestVersion),
				output.FormatUpdateType(string(info.UpdateType)),
				sec,
				strings.Join(info.AffectedPackages, ", "),
			})
		}
	}
	t.Render()

	fmt.Fprintln(w)
	output.Info.Fprintf(w, "%s outdated out of %d in %s\n",
		pluralize(report.OutdatedCount, "entry", "entries"), report.TotalPackages,
		pluralize(report.TotalCatalogs, "catalog", "catalogs"))
	renderFailures(w, report)
}

func renderFailures(w io.Writer, report *update.OutdatedReport) {
	for _, f := range report.Failures {
		output.Warning.Fprintf(w, "⚠ %s: %s\n", f.Package, f.Error)
	}
}

func renderPlan(w io.Writer, plan *update.UpdatePlan) {
	output.Header.Fprintf(w, "Plan %s\n", plan.ID)
	output.Dim.Fprintf(w, "created %s, target %s\n\n", humanize.Time(plan.Timestamp), plan.Target)

	if plan.TotalUpdates == 0 {
		output.Success.Fprintln(w, "✓ Nothing to update")
		return
	}

	t := newTable(w, "Catalog", "Package", "Change", "Reason", "Flags")
	for _, u := range plan.Updates {
		t.Append([]string{
			u.CatalogName,
			output.Package.Sprint(u.PackageName),
			output.FormatChange(u.CurrentVersion, u.NewVersion, string(u.UpdateType)),
			u.Reason,
			planFlags(u),
		})
	}
	t.Render()

	for _, c := range plan.Conflicts {
		fmt.Fprintln(w)
		output.Warning.Fprintf(w, "⚠ conflict on %s: %s\n", c.PackageName, c.Resolution)
		for _, e := range c.Catalogs {
			fmt.Fprintf(w, "    %s: %s → %s\n", e.CatalogName, e.CurrentVersion, e.ProposedVersion)
		}
	}
	fmt.Fprintln(w)
	output.Info.Fprintf(w, "%s planned\n", pluralize(plan.TotalUpdates, "update", "updates"))
}

func planFlags(u update.PlannedUpdate) string {
	var flags []string
	if u.IsSecurityUpdate {
		flags = append(flags, "security")
	}
	if u.GroupUpdate {
		flags = append(flags, "group")
	}
	if u.RequireConfirmation {
		flags = append(flags, "confirm")
	}
	if u.AutoUpdate {
		flags = append(flags, "auto")
	}
	return strings.Join(flags, ",")
}

func renderResult(w io.Writer, result *update.UpdateResult) {
	if result.DryRun {
		output.Warning.Fprintln(w, "Dry run: pnpm-workspace.yaml was not modified")
	}
	for _, u := range result.Updated {
		output.Success.Fprintf(w, "✓ %s %s → %s\n", output.FormatPackage(u.CatalogName, u.PackageName), u.OldRange, u.NewRange)
	}
	for _, s := range result.Skipped {
		output.Dim.Fprintf(w, "- %s:%s skipped (%s)\n", s.CatalogName, s.PackageName, s.Reason)
	}
	for _, e := range result.Errors {
		if e.Fatal {
			output.Error.Fprintf(w, "✗ %s\n", e.Message)
			continue
		}
		output.Error.Fprintf(w, "✗ %s:%s: %s\n", e.CatalogName, e.PackageName, e.Message)
	}
	if result.BackupPath != "" {
		output.Dim.Fprintf(w, "backup: %s\n", result.BackupPath)
	}

	fmt.Fprintln(w)
	output.Info.Fprintf(w, "%d updated, %d skipped, %d failed in %s\n",
		result.TotalUpdated, result.TotalSkipped, result.TotalErrors, result.Duration.Round(time.Millisecond))
}

func renderVulnerabilities(w io.Writer, name, from string, report *security.Report) {
	if report.Incomplete {
		output.Warning.Fprintf(w, "⚠ Advisories for %s@%s could not be fetched\n", name, from)
		return
	}
	if !report.HasVulnerabilities() {
		output.Success.Fprintf(w, "✓ No known vulnerabilities in %s@%s\n", name, from)
		return
	}

	counts := report.Counts()
	var parts []string
	for _, sev := range []security.Severity{
		security.SeverityCritical, security.SeverityHigh, security.SeverityModerate,
		security.SeverityLow, security.SeverityUnknown,
	} {
		if counts[sev] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[sev], output.FormatSeverity(string(sev))))
		}
	}
	output.Header.Fprintf(w, "%s@%s: %s (%s)\n", name, from,
		pluralize(len(report.Vulnerabilities), "vulnerability", "vulnerabilities"), strings.Join(parts, ", "))

	t := newTable(w, "Advisory", "Severity", "Fixed in", "Summary")
	for _, v := range report.Vulnerabilities {
		id := v.ID
		if v.SourcePackage != "" && v.SourcePackage != name {
			id += " (" + v.SourcePackage + ")"
		}
		t.Append([]string{id, output.FormatSeverity(string(v.Severity)), strings.Join(v.Fixed, ", "), v.Summary})
	}
	t.Render()
}

func renderSafeVersion(w io.Writer, name, from string, safe *security.SafeVersion) {
	if safe == nil {
		output.Warning.Fprintf(w, "⚠ No version of %s newer than %s without critical or high vulnerabilities was found\n", name, from)
		return
	}

	bump := "major"
	switch {
	case safe.SameMinor:
		bump = "patch"
	case safe.SameMajor:
		bump = "minor"
	}
	output.Success.Fprintf(w, "✓ %s@%s is the nearest safe version (%s bump from %s)\n", name, safe.Version, bump, from)

	if len(safe.Skipped) == 0 {
		return
	}
	fmt.Fprintln(w)
	t := newTable(w, "Skipped", "Highest", "Advisories")
	for _, s := range safe.Skipped {
		report := security.Report{Vulnerabilities: s.Vulnerabilities}
		highest := "unchecked"
		if !s.Unchecked {
			highest = output.FormatSeverity(string(report.Highest()))
		}
		ids := make([]string, len(s.Vulnerabilities))
		for i, v := range s.Vulnerabilities {
			ids[i] = v.ID
		}
		t.Append([]string{s.Version, highest, strings.Join(ids, ", ")})
	}
	t.Render()
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return humanize.Comma(int64(n)) + " " + many
}
