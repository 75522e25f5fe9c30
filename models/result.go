package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ResultVersion tags the result layout.
const ResultVersion = "news-analysis:v1"

// BriefSummaryMaxLen bounds the one-sentence summary used in push messages.
const BriefSummaryMaxLen = 150

type ArticleSource struct {
	ID   *string `json:"id"`
	Name string  `json:"name"`
}

type Article struct {
	Source      ArticleSource `json:"source"`
	Author      *string       `json:"author"`
	Title       string        `json:"title"`
	Description *string       `json:"description"`
	URL         string        `json:"url"`
	URLToImage  *string       `json:"urlToImage"`
	PublishedAt string        `json:"publishedAt"`
	Content     *string       `json:"content"`
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

func (s Sentiment) Valid() bool {
	return s == SentimentPositive || s == SentimentNegative || s == SentimentNeutral
}

type EntityType string

const (
	EntityPerson       EntityType = "PERSON"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityLocation     EntityType = "LOCATION"
	EntityProduct      EntityType = "PRODUCT"
	EntityEvent        EntityType = "EVENT"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityPerson, EntityOrganization, EntityLocation, EntityProduct, EntityEvent:
		return true
	}
	return false
}

type Entity struct {
	Name string     `json:"name"`
	Type EntityType `json:"type"`
}

type BriefSummary struct {
	Text      string    `json:"text"`
	Keywords  []string  `json:"keywords"`
	Sentiment Sentiment `json:"sentiment"`
}

// Analysis is the summarizer output merged into a fetched result.
type Analysis struct {
	BriefSummary    BriefSummary `json:"briefSummary"`
	DetailedSummary string       `json:"detailedSummary"`
	Sentiment       Sentiment    `json:"sentiment"`
	Entities        []Entity     `json:"entities"`
}

// Validate checks the analysis against the fixed output schema.
func (a *Analysis) Validate() error {
	if a == nil {
		return fmt.Errorf("analysis is empty")
	}
	text := strings.TrimSpace(a.BriefSummary.Text)
	if text == "" {
		return fmt.Errorf("brief summary text is empty")
	}
	if n := utf8.RuneCountInString(text); n > BriefSummaryMaxLen {
		return fmt.Errorf("brief summary is %d characters, limit is %d", n, BriefSummaryMaxLen)
	}
	if a.BriefSummary.Keywords == nil {
		return fmt.Errorf("brief summary keywords are missing")
	}
	if !a.BriefSummary.Sentiment.Valid() {
		return fmt.Errorf("invalid brief summary sentiment %q", a.BriefSummary.Sentiment)
	}
	if !a.Sentiment.Valid() {
		return fmt.Errorf("invalid sentiment %q", a.Sentiment)
	}
	if a.Entities == nil {
		return fmt.Errorf("entities are missing")
	}
	for i, e := range a.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("entity %d has no name", i)
		}
		if !e.Type.Valid() {
			return fmt.Errorf("entity %q has invalid type %q", e.Name, e.Type)
		}
	}
	return nil
}

// Result is stored on an execution. Analysis is nil until the analyze stage
// completes, and stays nil when no articles were found.
type Result struct {
	Articles   []Article  `json:"articles"`
	Sources    []string   `json:"sources"`
	FetchedAt  time.Time  `json:"fetchedAt"`
	Analysis   *Analysis  `json:"analysis"`
	AnalyzedAt *time.Time `json:"analyzedAt"`
	Version    string     `json:"version"`
}

// NewFetchedResult builds the fetch-stage payload. Sources are the distinct
// non-empty source names in article order.
func NewFetchedResult(articles []Article, fetchedAt time.Time) *Result {
	if articles == nil {
		articles = []Article{}
	}
	seen := make(map[string]struct{}, len(articles))
	sources := make([]string, 0, len(articles))
	for _, a := range articles {
		name := a.Source.Name
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		sources = append(sources, name)
	}
	return &Result{
		Articles:  articles,
		Sources:   sources,
		FetchedAt: fetchedAt.UTC(),
		Version:   ResultVersion,
	}
}

func (r *Result) Fetched() bool  { return r != nil && r.Analysis == nil }
func (r *Result) Analyzed() bool { return r != nil && r.Analysis != nil }

// ValidateFetched is the structural check the analyze stage runs before
// spending a summarization call.
func (r *Result) ValidateFetched() error {
	if r == nil {
		return fmt.Errorf("result is missing")
	}
	if r.Analysis != nil || r.AnalyzedAt != nil {
		return fmt.Errorf("result is already analyzed")
	}
	if r.Version != ResultVersion {
		return fmt.Errorf("unexpected result version %q", r.Version)
	}
	if len(r.Articles) == 0 {
		return fmt.Errorf("result has no articles")
	}
	if r.FetchedAt.IsZero() {
		return fmt.Errorf("result has no fetch time")
	}
	return nil
}

// WithAnalysis returns a copy of r with the analysis appended. Fetched
// fields are carried over unchanged.
func (r *Result) WithAnalysis(a Analysis, at time.Time) *Result {
	out := *r
	out.Analysis = &a
	t := at.UTC()
	out.AnalyzedAt = &t
	return &out
}
