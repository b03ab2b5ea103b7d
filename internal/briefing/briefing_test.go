package briefing

import (
	"strings"
	"testing"
	"time"

	"github.com/anyrxo/seology/internal/account"
)

func testUser() *account.User {
	day := func(d int) time.Time {
		return time.Date(2026, 8, d, 0, 0, 0, 0, time.UTC)
	}
	return &account.User{
		ID:             "u1",
		Plan:           "growth",
		AutomationMode: "approve",
		Sites: []account.Site{
			{
				Domain:      "example.com",
				HealthScore: 74,
				Issues: []account.Issue{
					{Severity: "low", Title: "Thin content on /blog", DetectedAt: day(10)},
					{Severity: "critical", Title: "Missing sitemap.xml", DetectedAt: day(5)},
					{Severity: "critical", Title: "Robots.txt blocks all crawlers", DetectedAt: day(12)},
				},
			},
			{
				Domain:      "shop.example.com",
				HealthScore: 91,
				Issues: []account.Issue{
					{Severity: "high", Title: "Duplicate titles on product pages", DetectedAt: day(11)},
				},
			},
		},
	}
}

func TestBuildDeterministic(t *testing.T) {
	u := testUser()
	a, b := Build(u), Build(u)
	if a != b {
		t.Error("Build() is not deterministic for identical input")
	}
}

func TestBuildContainsAccountSummary(t *testing.T) {
	brief := Build(testUser())

	for _, want := range []string{
		"Plan: growth",
		"Automation mode: approve",
		"Connected sites (2)",
		"example.com: health 74/100, 3 open issues (2 critical, 1 low)",
		"shop.example.com: health 91/100, 1 open issues (1 high)",
	} {
		if !strings.Contains(brief, want) {
			t.Errorf("brief missing %q\n%s", want, brief)
		}
	}
}

func TestBuildTopIssueOrdering(t *testing.T) {
	brief := Build(testUser())

	// Critical issues lead; among equals the newer one comes first.
	robots := strings.Index(brief, "Robots.txt blocks all crawlers")
	sitemap := strings.Index(brief, "Missing sitemap.xml")
	duplicate := strings.Index(brief, "Duplicate titles on product pages")

	if robots < 0 || sitemap < 0 || duplicate < 0 {
		t.Fatalf("brief missing expected issues:\n%s", brief)
	}
	if !(robots < sitemap && sitemap < duplicate) {
		t.Errorf("issues out of order (severity desc, then recency):\n%s", brief)
	}
}

func TestBuildNoSites(t *testing.T) {
	brief := Build(&account.User{ID: "u1", Plan: "starter", AutomationMode: "manual"})

	if !strings.Contains(brief, "no sites connected") {
		t.Errorf("brief should state that no sites are connected:\n%s", brief)
	}
	if strings.Contains(brief, "Connected sites") {
		t.Errorf("brief should not list sites when none exist:\n%s", brief)
	}
}

func TestBuildBoundsTopIssues(t *testing.T) {
	u := testUser()
	// Flood one site with medium issues; the brief must stay bounded.
	for i := 0; i < 30; i++ {
		u.Sites[0].Issues = append(u.Sites[0].Issues, account.Issue{
			Severity:   "medium",
			Title:      "Broken internal link",
			DetectedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		})
	}

	brief := Build(u)
	lines := 0
	for _, line := range strings.Split(brief, "\n") {
		if strings.HasPrefix(line, "- [") {
			lines++
		}
	}
	if lines > maxTopIssues {
		t.Errorf("brief lists %d severe issues, want at most %d", lines, maxTopIssues)
	}
}
