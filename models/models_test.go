package models

import (
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to ExecutionStatus
		ok       bool
	}{
		{StatusPending, StatusFetching, true},
		{StatusFetching, StatusFetching, true},
		{StatusFetching, StatusAnalyzing, true},
		{StatusFetching, StatusCompleted, true},
		{StatusAnalyzing, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusAnalyzing, StatusFailed, true},
		{StatusPending, StatusAnalyzing, false},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusFetching, false},
		{StatusAnalyzing, StatusFetching, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s: want %v got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestNewFetchedResult_DistinctSources(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewFetchedResult([]Article{
		{Title: "a", Source: ArticleSource{Name: "Reuters"}},
		{Title: "b", Source: ArticleSource{Name: "BBC"}},
		{Title: "c", Source: ArticleSource{Name: "Reuters"}},
		{Title: "d", Source: ArticleSource{Name: ""}},
	}, now)
	if len(r.Sources) != 2 || r.Sources[0] != "Reuters" || r.Sources[1] != "BBC" {
		t.Fatalf("unexpected sources %v", r.Sources)
	}
	if !r.Fetched() || r.Analyzed() {
		t.Fatalf("fresh result must be fetched-only")
	}
	if err := r.ValidateFetched(); err != nil {
		t.Fatalf("ValidateFetched: %v", err)
	}
}

func TestWithAnalysis_PreservesFetchedFields(t *testing.T) {
	fetchedAt := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	r := NewFetchedResult([]Article{{Title: "a", URL: "u", Source: ArticleSource{Name: "S"}}}, fetchedAt)
	out := r.WithAnalysis(Analysis{Sentiment: SentimentNeutral}, fetchedAt.Add(time.Minute))
	if r.Analysis != nil {
		t.Fatalf("original must not be mutated")
	}
	if !out.FetchedAt.Equal(fetchedAt) || len(out.Articles) != 1 || out.Sources[0] != "S" {
		t.Fatalf("fetched fields changed: %+v", out)
	}
	if out.Analysis == nil || out.AnalyzedAt == nil {
		t.Fatalf("analysis not appended")
	}
}

func TestAnalysisValidate(t *testing.T) {
	valid := Analysis{
		BriefSummary:    BriefSummary{Text: "Markets rallied.", Keywords: []string{"markets"}, Sentiment: SentimentPositive},
		DetailedSummary: "Longer text",
		Sentiment:       SentimentPositive,
		Entities:        []Entity{{Name: "ACME", Type: EntityOrganization}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	long := valid
	long.BriefSummary.Text = strings.Repeat("x", 151)
	if err := long.Validate(); err == nil {
		t.Fatalf("expected length error")
	}

	badEntity := valid
	badEntity.Entities = []Entity{{Name: "Paris", Type: "CITY"}}
	if err := badEntity.Validate(); err == nil {
		t.Fatalf("expected entity type error")
	}

	badSentiment := valid
	badSentiment.Sentiment = "mixed"
	if err := badSentiment.Validate(); err == nil {
		t.Fatalf("expected sentiment error")
	}
}

func TestPushSubscriptionExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	if !(PushSubscription{ExpirationTime: &past}).Expired(now) {
		t.Fatalf("expected expired")
	}
	if (PushSubscription{}).Expired(now) {
		t.Fatalf("no expiration means never expired")
	}
}
