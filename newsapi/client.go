// Package newsapi searches top headlines on newsapi.org.
package newsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"

	"github.com/mohans/newsdigest/apperr"
	"github.com/mohans/newsdigest/models"
	"github.com/mohans/newsdigest/params"
)

const DefaultPageSize = 50

type Config struct {
	BaseURL  string
	APIKey   string
	PageSize int
	// RateLimit is the allowed requests per second; zero disables limiting.
	RateLimit float64
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	policy  *bluemonday.Policy
}

func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		policy:  bluemonday.StrictPolicy(),
	}
}

type apiArticle struct {
	Source struct {
		ID   *string `json:"id"`
		Name string  `json:"name"`
	} `json:"source"`
	Author      *string `json:"author"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	URL         string  `json:"url"`
	URLToImage  *string `json:"urlToImage"`
	PublishedAt string  `json:"publishedAt"`
	Content     *string `json:"content"`
}

type apiResponse struct {
	Status       string       `json:"status"`
	Code         string       `json:"code"`
	Message      string       `json:"message"`
	TotalResults int          `json:"totalResults"`
	Articles     []apiArticle `json:"articles"`
}

// Search returns up to PageSize top headlines for p. Client errors (bad
// request, bad key) are validation errors; the rest may be retried.
func (c *Client) Search(ctx context.Context, p params.Parameters) ([]models.Article, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/top-headlines")
	if err != nil {
		return nil, fmt.Errorf("newsapi: base url: %w", err)
	}
	q := u.Query()
	q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	if v := p.CountryValue(); v != "" {
		q.Set("country", v)
	}
	if v := p.CategoryValue(); v != "" {
		q.Set("category", v)
	}
	if v := p.QueryValue(); v != "" {
		q.Set("q", v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("newsapi: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("newsapi: read body: %w", err)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("newsapi: status %d: decode: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Status != "ok" {
		msg := fmt.Sprintf("newsapi error (status %d, code %s): %s", resp.StatusCode, out.Code, out.Message)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, apperr.Validation("%s", msg)
		}
		return nil, fmt.Errorf("%s", msg)
	}

	articles := make([]models.Article, 0, len(out.Articles))
	for _, a := range out.Articles {
		if art, ok := c.normalize(a); ok {
			articles = append(articles, art)
		}
	}
	return articles, nil
}

// normalize strips markup from text fields and drops articles without a
// title or URL, including the "[Removed]" placeholders the API returns.
func (c *Client) normalize(a apiArticle) (models.Article, bool) {
	title := c.clean(a.Title)
	if title == "" || title == "[Removed]" || strings.TrimSpace(a.URL) == "" {
		return models.Article{}, false
	}
	return models.Article{
		Source: models.ArticleSource{
			ID:   c.cleanPtr(a.Source.ID),
			Name: c.clean(a.Source.Name),
		},
		Author:      c.cleanPtr(a.Author),
		Title:       title,
		Description: c.cleanPtr(a.Description),
		URL:         strings.TrimSpace(a.URL),
		URLToImage:  nonEmpty(a.URLToImage),
		PublishedAt: a.PublishedAt,
		Content:     c.cleanPtr(a.Content),
	}, true
}

func (c *Client) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(c.policy.Sanitize(s)))
}

func (c *Client) cleanPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := c.clean(*s)
	if v == "" {
		return nil
	}
	return &v
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
