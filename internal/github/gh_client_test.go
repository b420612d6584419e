package github

import (
	"testing"
	"time"
)

func TestSplitFullName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"standard", "acme/parser", "acme", "parser", false},
		{"dotted repo", "acme/parser.js", "acme", "parser.js", false},
		{"missing slash", "acme", "", "", true},
		{"empty owner", "/parser", "", "", true},
		{"empty repo", "acme/", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := splitFullName(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if owner != tt.wantOwner {
				t.Errorf("owner = %q, want %q", owner, tt.wantOwner)
			}
			if repo != tt.wantRepo {
				t.Errorf("repo = %q, want %q", repo, tt.wantRepo)
			}
		})
	}
}

func TestParseTimePtr(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  *time.Time
	}{
		{"empty string", "", nil},
		{"rfc3339", "2025-01-15T10:30:00Z", timePtr(2025, 1, 15, 10, 30)},
		{"garbage", "not-a-date", nil},
		{"date without time", "2025-01-15", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTimePtr(tt.input)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("parseTimePtr(%q) = %v, want nil", tt.input, *got)
			case tt.want != nil && got == nil:
				t.Errorf("parseTimePtr(%q) = nil, want %v", tt.input, *tt.want)
			case tt.want != nil && !got.Equal(*tt.want):
				t.Errorf("parseTimePtr(%q) = %v, want %v", tt.input, *got, *tt.want)
			}
		})
	}
}

func timePtr(year int, month time.Month, day, hour, min int) *time.Time {
	ts := time.Date(year, month, day, hour, min, 0, 0, time.UTC)
	return &ts
}

func TestConvertGHPR(t *testing.T) {
	raw := &ghPR{
		Number:      12,
		Title:       "Fix tokenizer panic",
		URL:         "https://github.com/acme/parser/pull/12",
		State:       "OPEN",
		HeadRefName: "fix/issue-3",
		BaseRefName: "main",
		Author: struct {
			Login string `json:"login"`
		}{Login: "botuser"},
	}

	pr := convertGHPR(raw)

	if pr.Number != 12 {
		t.Errorf("number = %d, want 12", pr.Number)
	}
	if pr.State != "open" {
		t.Errorf("state = %q, want open", pr.State)
	}
	if pr.HeadBranch != "fix/issue-3" {
		t.Errorf("head = %q, want fix/issue-3", pr.HeadBranch)
	}
	if pr.Author != "botuser" {
		t.Errorf("author = %q, want botuser", pr.Author)
	}
	if pr.Merged() {
		t.Error("expected not merged")
	}
}

func TestConvertGHPR_Merged(t *testing.T) {
	raw := &ghPR{
		Number:   5,
		State:    "CLOSED",
		MergedAt: "2025-03-05T10:00:00Z",
	}

	pr := convertGHPR(raw)

	if pr.State != "merged" {
		t.Errorf("state = %q, want merged", pr.State)
	}
	if !pr.Merged() {
		t.Fatal("expected merged")
	}
	want := time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)
	if !pr.MergedAt.Equal(want) {
		t.Errorf("merged_at = %v, want %v", *pr.MergedAt, want)
	}
}
