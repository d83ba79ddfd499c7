// Package news fetches articles for follow subscriptions. Queries are
// cached per day, and a rate-limited upstream opens a backoff window
// during which all calls short-circuit to empty.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	pennyerrors "penny/internal/errors"
	"penny/internal/logging"
)

// Article is one news item from the upstream API.
type Article struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
	SourceName  string    `json:"source_name"`
}

// Client fetches news articles.
type Client interface {
	// Search returns articles matching the terms published on or after
	// fromDate. During a rate-limit backoff window it returns an empty
	// slice without calling the upstream.
	Search(ctx context.Context, terms []string, fromDate time.Time) ([]Article, error)

	// ConsumeRateLimitNotice returns true at most once per backoff
	// window, letting the notification layer inform the user.
	ConsumeRateLimitNotice() bool
}

const queryCacheSize = 256

// HTTPClient implements Client against a newsapi.org-style endpoint.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger

	backoff time.Duration
	now     func() time.Time

	mu            sync.Mutex
	backoffUntil  time.Time
	noticePending bool
	cache         *lru.Cache[string, []Article]
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a news client. rateLimitBackoff is the window
// opened when the upstream reports a rate limit.
func NewHTTPClient(apiKey string, rateLimitBackoff time.Duration) *HTTPClient {
	cache, _ := lru.New[string, []Article](queryCacheSize)
	return &HTTPClient{
		apiKey:     apiKey,
		baseURL:    "https://newsapi.org/v2",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.NewComponentLogger("news"),
		backoff:    rateLimitBackoff,
		now:        time.Now,
		cache:      cache,
	}
}

// cacheKey derives the cache key from the normalized query and the day
// of the from date, so the same query within the same day hits cache.
func cacheKey(terms []string, fromDate time.Time) string {
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			normalized = append(normalized, term)
		}
	}
	return strings.Join(normalized, " ") + "|" + fromDate.Format("2006-01-02")
}

func (c *HTTPClient) Search(ctx context.Context, terms []string, fromDate time.Time) ([]Article, error) {
	c.mu.Lock()
	inBackoff := c.now().Before(c.backoffUntil)
	c.mu.Unlock()
	if inBackoff {
		return nil, nil
	}

	key := cacheKey(terms, fromDate)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	articles, err := c.fetch(ctx, terms, fromDate)
	if err != nil {
		if pennyerrors.IsRateLimit(err) {
			c.enterBackoff()
			c.logger.Warn("news API rate limited, backing off for %v", c.backoff)
			return nil, nil
		}
		return nil, err
	}

	c.cache.Add(key, articles)
	return articles, nil
}

func (c *HTTPClient) enterBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoffUntil = c.now().Add(c.backoff)
	c.noticePending = true
}

func (c *HTTPClient) ConsumeRateLimitNotice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noticePending {
		c.noticePending = false
		return true
	}
	return false
}

type newsResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func (c *HTTPClient) fetch(ctx context.Context, terms []string, fromDate time.Time) ([]Article, error) {
	query := url.Values{}
	query.Set("q", strings.Join(terms, " OR "))
	query.Set("from", fromDate.Format("2006-01-02"))
	query.Set("sortBy", "publishedAt")
	query.Set("language", "en")

	endpoint := c.baseURL + "/everything?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed newsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode news response: %w", err)
	}

	// newsapi reports rate limiting both via 429 and an error code in
	// the body.
	if resp.StatusCode == http.StatusTooManyRequests || parsed.Code == "rateLimited" {
		return nil, &pennyerrors.RateLimitError{
			Err:    fmt.Errorf("news API rate limited: %s", parsed.Message),
			Source: "news",
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("news request failed: %s", strings.TrimSpace(string(body)))
		return nil, pennyerrors.ClassifyHTTPStatus(resp.StatusCode, err)
	}
	if parsed.Status != "ok" {
		return nil, fmt.Errorf("news API error %s: %s", parsed.Code, parsed.Message)
	}

	articles := make([]Article, 0, len(parsed.Articles))
	for _, a := range parsed.Articles {
		publishedAt, _ := time.Parse(time.RFC3339, a.PublishedAt)
		articles = append(articles, Article{
			Title:       a.Title,
			Description: a.Description,
			URL:         a.URL,
			PublishedAt: publishedAt,
			SourceName:  a.Source.Name,
		})
	}
	return articles, nil
}
