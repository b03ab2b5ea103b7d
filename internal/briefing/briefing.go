// Package briefing renders an account snapshot into the natural-language
// background brief supplied to the model as a system instruction. The
// brief is rebuilt on every request — site health and issue data change
// between turns, so caching a brief would feed the model stale numbers.
package briefing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/anyrxo/seology/internal/account"
)

const (
	// maxSites bounds the per-site summary lines in the brief.
	maxSites = 10

	// maxTopIssues bounds the cross-site severe issue listing.
	maxTopIssues = 5
)

// Build renders the brief for one user. Deterministic for identical
// input: sites arrive sorted from the store, issues are sorted here by
// severity then recency, and no timestamps or randomness leak in.
// Secrets and credentials never appear in account data and so never
// appear in the brief.
func Build(u *account.User) string {
	var sb strings.Builder

	sb.WriteString("## Account\n")
	fmt.Fprintf(&sb, "Plan: %s. Automation mode: %s.\n", u.Plan, u.AutomationMode)

	if len(u.Sites) == 0 {
		sb.WriteString("\nThe user has no sites connected yet. Do not invent site data; ")
		sb.WriteString("guide them to connect a site before asking for analysis results.\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "\n## Connected sites (%d)\n", len(u.Sites))
	for i, site := range u.Sites {
		if i >= maxSites {
			fmt.Fprintf(&sb, "…and %d more sites.\n", len(u.Sites)-maxSites)
			break
		}
		fmt.Fprintf(&sb, "- %s: health %d/100, %d open issues%s\n",
			site.Domain, site.HealthScore, len(site.Issues), severityCounts(site.Issues))
	}

	top := topIssues(u.Sites, maxTopIssues)
	if len(top) > 0 {
		sb.WriteString("\n## Most severe open issues\n")
		for _, ti := range top {
			fmt.Fprintf(&sb, "- [%s] %s — %s\n", ti.issue.Severity, ti.domain, ti.issue.Title)
		}
	}

	return sb.String()
}

func severityCounts(issues []account.Issue) string {
	if len(issues) == 0 {
		return ""
	}
	counts := map[string]int{}
	for _, i := range issues {
		counts[i.Severity]++
	}
	var parts []string
	for _, sev := range []string{"critical", "high", "medium", "low"} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

type taggedIssue struct {
	domain string
	issue  account.Issue
}

// topIssues collects issues across all sites and returns the n most
// severe, breaking severity ties by recency (newest first) and then by
// title for a stable order.
func topIssues(sites []account.Site, n int) []taggedIssue {
	var all []taggedIssue
	for _, site := range sites {
		for _, issue := range site.Issues {
			all = append(all, taggedIssue{domain: site.Domain, issue: issue})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		ri, rj := account.SeverityRank(all[i].issue.Severity), account.SeverityRank(all[j].issue.Severity)
		if ri != rj {
			return ri < rj
		}
		if !all[i].issue.DetectedAt.Equal(all[j].issue.DetectedAt) {
			return all[i].issue.DetectedAt.After(all[j].issue.DetectedAt)
		}
		return all[i].issue.Title < all[j].issue.Title
	})

	if len(all) > n {
		all = all[:n]
	}
	return all
}
