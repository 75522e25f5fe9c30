// Package summarize turns a set of articles into a structured analysis with
// an OpenAI-compatible chat completions API.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohans/newsdigest/apperr"
	"github.com/mohans/newsdigest/models"
)

const systemPrompt = `You are a news analyst. Read the articles and answer with JSON only.
Provide:
- briefSummary: one sentence of at most 150 characters for a push notification, with keywords and sentiment.
- detailedSummary: background, main viewpoints, trends and likely impact.
- sentiment: positive, negative or neutral.
- entities: people, organizations, locations, products and events mentioned.
Stay objective and use only what the articles say.`

type Config struct {
	Endpoint    string
	Model       string
	APIKey      string
	Timeout     time.Duration
	Temperature float64
}

// OpenAIClient calls the chat completions endpoint with a JSON schema
// response format.
type OpenAIClient struct {
	cfg        Config
	httpClient *http.Client
}

func NewOpenAIClient(cfg Config, httpClient *http.Client) *OpenAIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIClient{cfg: cfg, httpClient: httpClient}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Summarize returns the analysis of articles. The result is decoded but not
// validated; callers check it against models.Analysis.Validate.
func (c *OpenAIClient) Summarize(ctx context.Context, articles []models.Article) (*models.Analysis, error) {
	if c.cfg.APIKey == "" || c.cfg.Endpoint == "" || c.cfg.Model == "" {
		return nil, apperr.Validation("openai client misconfigured")
	}
	if len(articles) == 0 {
		return nil, apperr.Validation("no articles to summarize")
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: UserPrompt(articles)},
		},
		Temperature: c.cfg.Temperature,
		ResponseFormat: map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "news_analysis",
				"strict": true,
				"schema": analysisSchema,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := fmt.Sprintf("openai error %s: %s", resp.Status, strings.TrimSpace(string(truncate(raw, 512))))
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, apperr.Validation("%s", msg)
		}
		return nil, fmt.Errorf("%s", msg)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	choice := out.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, apperr.Validation("openai refused: %s", choice.Message.Refusal)
	}
	var analysis models.Analysis
	if err := json.Unmarshal([]byte(choice.Message.Content), &analysis); err != nil {
		return nil, fmt.Errorf("decode analysis (finish reason %q): %w", choice.FinishReason, err)
	}
	return &analysis, nil
}

// UserPrompt renders the articles for the model.
func UserPrompt(articles []models.Article) string {
	var b strings.Builder
	b.WriteString("Analyze the following news articles:\n")
	for i, a := range articles {
		source := a.Source.Name
		if source == "" {
			source = "Unknown source"
		}
		fmt.Fprintf(&b, "\nArticle %d:\nTitle: %s\nDescription: %s\nContent: %s\nSource: %s\nPublished At: %s\n---\n",
			i+1, a.Title, orNone(a.Description, "No description"), orNone(a.Content, "No content"), source, a.PublishedAt)
	}
	return b.String()
}

func orNone(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

var sentimentSchema = map[string]any{
	"type": "string",
	"enum": []string{string(models.SentimentPositive), string(models.SentimentNegative), string(models.SentimentNeutral)},
}

var analysisSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"briefSummary", "detailedSummary", "sentiment", "entities"},
	"properties": map[string]any{
		"briefSummary": map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []string{"text", "keywords", "sentiment"},
			"properties": map[string]any{
				"text":      map[string]any{"type": "string"},
				"keywords":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"sentiment": sentimentSchema,
			},
		},
		"detailedSummary": map[string]any{"type": "string"},
		"sentiment":       sentimentSchema,
		"entities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"name", "type"},
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
					"type": map[string]any{
						"type": "string",
						"enum": []string{
							string(models.EntityPerson), string(models.EntityOrganization),
							string(models.EntityLocation), string(models.EntityProduct), string(models.EntityEvent),
						},
					},
				},
			},
		},
	},
}
