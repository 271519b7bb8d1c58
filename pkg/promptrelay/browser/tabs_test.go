package browser

import (
	"testing"
	"time"
)

func TestFilterPages(t *testing.T) {
	t.Parallel()

	targets := []Target{
		{TargetID: "a", Type: "page", URL: "https://gemini.google.com/app"},
		{TargetID: "b", Type: "page", URL: "https://example.com/"},
		{TargetID: "c", Type: "service_worker", URL: "https://gemini.google.com/sw.js"},
		{TargetID: "d", Type: "page", URL: "https://gemini.google.com/app/abc123"},
	}

	got := filterPages(targets, "https://gemini.google.com/")
	if len(got) != 2 {
		t.Fatalf("got %d targets, want 2", len(got))
	}
	if got[0].TargetID != "a" || got[1].TargetID != "d" {
		t.Errorf("got %q, %q", got[0].TargetID, got[1].TargetID)
	}
}

func TestFilterPagesEmptyPrefixKeepsAllPages(t *testing.T) {
	t.Parallel()

	targets := []Target{
		{TargetID: "a", Type: "page", URL: "https://one.test/"},
		{TargetID: "b", Type: "browser", URL: ""},
	}
	got := filterPages(targets, "")
	if len(got) != 1 || got[0].TargetID != "a" {
		t.Errorf("got %+v", got)
	}
}

func TestPickMostRecent(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	targets := []Target{
		{TargetID: "old"},
		{TargetID: "newest"},
		{TargetID: "mid"},
	}

	tests := []struct {
		name         string
		lastAccessed map[string]time.Time
		want         string
	}{
		{
			name: "largest timestamp wins",
			lastAccessed: map[string]time.Time{
				"old":    base,
				"newest": base.Add(10 * time.Minute),
				"mid":    base.Add(5 * time.Minute),
			},
			want: "newest",
		},
		{
			name:         "no timestamps falls back to list order",
			lastAccessed: map[string]time.Time{},
			want:         "old",
		},
		{
			name: "ties keep earliest list position",
			lastAccessed: map[string]time.Time{
				"old": base,
				"mid": base,
			},
			want: "old",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := pickMostRecent(targets, tt.lastAccessed)
			if got.TargetID != tt.want {
				t.Errorf("picked %q, want %q", got.TargetID, tt.want)
			}
		})
	}
}
