package news

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	c := NewHTTPClient("test-key", time.Hour)
	c.baseURL = server.URL
	return c, &hits
}

func okResponse(w http.ResponseWriter) {
	fmt.Fprint(w, `{"status":"ok","articles":[
		{"title":"Rocket reaches orbit","description":"d","url":"https://example.com/1",
		 "publishedAt":"2026-08-26T08:00:00Z","source":{"name":"Wire"}}
	]}`)
}

func TestSearchParsesArticles(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "rocket OR launch", r.URL.Query().Get("q"))
		assert.Equal(t, "2026-08-20", r.URL.Query().Get("from"))
		okResponse(w)
	})

	from := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	articles, err := c.Search(context.Background(), []string{"rocket", "launch"}, from)
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "Rocket reaches orbit", articles[0].Title)
	assert.Equal(t, "Wire", articles[0].SourceName)
	assert.Equal(t, 2026, articles[0].PublishedAt.Year())
}

func TestSearchCachesPerDay(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		okResponse(w)
	})
	ctx := context.Background()
	from := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	_, err := c.Search(ctx, []string{"Rocket"}, from)
	require.NoError(t, err)
	// Same normalized query, same day, different hour: served from cache.
	_, err = c.Search(ctx, []string{" rocket "}, from.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	// Next day misses.
	_, err = c.Search(ctx, []string{"rocket"}, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCacheKey(t *testing.T) {
	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, cacheKey([]string{"Rocket", " Launch "}, day), cacheKey([]string{"rocket", "launch"}, day))
	assert.NotEqual(t, cacheKey([]string{"rocket"}, day), cacheKey([]string{"rocket"}, day.AddDate(0, 0, 1)))
	assert.Equal(t, "rocket|2026-08-20", cacheKey([]string{"rocket", ""}, day))
}

func TestRateLimitOpensBackoffWindow(t *testing.T) {
	c, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"status":"error","code":"rateLimited","message":"slow down"}`)
	})
	ctx := context.Background()
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	articles, err := c.Search(ctx, []string{"rocket"}, base)
	require.NoError(t, err, "a rate limit is absorbed, not surfaced")
	assert.Empty(t, articles)
	assert.Equal(t, int32(1), hits.Load())

	// Inside the window every call short-circuits.
	_, err = c.Search(ctx, []string{"chess"}, base)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	// The notice fires exactly once.
	assert.True(t, c.ConsumeRateLimitNotice())
	assert.False(t, c.ConsumeRateLimitNotice())

	// After the window the upstream is tried again.
	now = base.Add(2 * time.Hour)
	_, err = c.Search(ctx, []string{"chess"}, base)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestBodyLevelRateLimit(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// 200 with an error code in the body, as newsapi does on the
		// developer plan.
		fmt.Fprint(w, `{"status":"error","code":"rateLimited","message":"requests exhausted"}`)
	})

	articles, err := c.Search(context.Background(), []string{"rocket"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, articles)
	assert.True(t, c.ConsumeRateLimitNotice())
}

func TestUpstreamErrorSurfaces(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"status":"error","code":"apiKeyInvalid","message":"bad key"}`)
	})

	_, err := c.Search(context.Background(), []string{"rocket"}, time.Now())
	assert.Error(t, err)
	assert.False(t, c.ConsumeRateLimitNotice())
}
