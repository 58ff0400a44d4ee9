package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Fasd800/civitai-browser/internal/models"

	log "github.com/sirupsen/logrus"
)

// CivitaiApiBaseUrl is the production endpoint. Tests point BaseURL at a
// local httptest server instead.
const CivitaiApiBaseUrl = "https://civitai.com/api/v1"

// RetryConfig holds the backoff policy for transient failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig mirrors the documented defaults: four attempts, 500ms
// doubling per attempt, capped at 8s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

// Client talks to the Civitai API through the shared rate limiter with
// retries on transient failures. One Client is shared by every browsing
// session.
type Client struct {
	BaseURL    string
	HttpClient *http.Client

	apiKey  string
	limiter *Limiter
	retry   RetryConfig

	tagMu    sync.Mutex
	tagCache map[string]string
}

// NewClient creates an API client. A nil httpClient gets a 30s-timeout
// default; a nil limiter gets the documented 100-600ms spacing window.
func NewClient(apiKey string, httpClient *http.Client, limiter *Limiter, retry RetryConfig) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if limiter == nil {
		limiter = NewLimiter(100*time.Millisecond, 600*time.Millisecond)
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = 500 * time.Millisecond
	}
	if retry.MaxBackoff < retry.InitialBackoff {
		retry.MaxBackoff = retry.InitialBackoff
	}
	return &Client{
		BaseURL:    CivitaiApiBaseUrl,
		HttpClient: httpClient,
		apiKey:     apiKey,
		limiter:    limiter,
		retry:      retry,
		tagCache:   map[string]string{},
	}
}

// Limiter exposes the shared rate limiter so other network paths (file
// downloads) serialize through the same gate.
func (c *Client) Limiter() *Limiter {
	return c.limiter
}

// Do sends one logical request: each attempt takes a rate-limiter lease,
// releases it when the attempt completes, and transient outcomes (429, 5xx,
// network errors, timeouts) are retried with capped exponential backoff.
// 4xx outcomes other than 429 fail immediately. The caller owns the
// response body on success.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.apiKey != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var lastKind error
	var lastStatus int

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoffFor(attempt)
			log.Debugf("Retrying %s in %v (attempt %d/%d)", req.URL.Path, backoff, attempt, c.retry.MaxAttempts)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		release, err := c.limiter.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.HttpClient.Do(req.Clone(ctx))
		release()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Warnf("Request to %s failed (attempt %d/%d)", req.URL.Path, attempt, c.retry.MaxAttempts)
			lastKind, lastStatus = ErrNetwork, 0
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastKind, lastStatus = ErrRateLimited, resp.StatusCode
		case resp.StatusCode >= 500:
			lastKind, lastStatus = ErrServerError, resp.StatusCode
		case resp.StatusCode == http.StatusRequestTimeout:
			lastKind, lastStatus = ErrNetwork, resp.StatusCode
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			drainAndClose(resp)
			return nil, &FetchError{Kind: ErrUnauthorized, StatusCode: resp.StatusCode, Attempts: attempt}
		case resp.StatusCode == http.StatusNotFound:
			drainAndClose(resp)
			return nil, &FetchError{Kind: ErrNotFound, StatusCode: resp.StatusCode, Attempts: attempt}
		default:
			drainAndClose(resp)
			return nil, &FetchError{Kind: ErrClientError, StatusCode: resp.StatusCode, Attempts: attempt}
		}

		drainAndClose(resp)
		log.Warnf("Request to %s returned %d (attempt %d/%d)", req.URL.Path, resp.StatusCode, attempt, c.retry.MaxAttempts)
	}

	return nil, &FetchError{Kind: lastKind, StatusCode: lastStatus, Attempts: c.retry.MaxAttempts}
}

// backoffFor computes the pre-attempt delay: initial * 2^(attempt-2) with a
// cap, plus up to 25% jitter.
func (c *Client) backoffFor(attempt int) time.Duration {
	backoff := c.retry.InitialBackoff << uint(attempt-2)
	if backoff > c.retry.MaxBackoff || backoff <= 0 {
		backoff = c.retry.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
	return backoff + jitter
}

func drainAndClose(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}

// Get issues a plain GET through the retry/rate-limit path. Used by the
// download pipeline for file and preview transfers.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", rawURL, err)
	}
	return c.Do(ctx, req)
}

// getJSON fetches a URL and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		log.WithError(err).Debugf("Undecodable response from %s: %.200s", rawURL, string(body))
		return fmt.Errorf("decoding response from %s: %w", rawURL, err)
	}
	return nil
}

// BuildModelsQuery translates search filters into list-models parameters.
// A creator scope uses a large page size and carries the username; an open
// browse uses the small page size with either a free-text query or a tag.
func BuildModelsQuery(filters models.SearchFilters, pageSize int, useTag bool) url.Values {
	values := url.Values{}
	values.Set("limit", fmt.Sprintf("%d", pageSize))
	if filters.Sort != "" {
		values.Set("sort", filters.Sort)
	}
	if filters.Period != "" {
		values.Set("period", filters.Period)
	}
	values.Set("nsfw", fmt.Sprintf("%t", filters.HasCreator() || filters.ContentRating.IncludesNsfw()))

	if filters.Type != "" && !strings.EqualFold(filters.Type, "All") {
		values.Set("types", filters.Type)
	}

	if filters.HasCreator() {
		values.Set("username", strings.TrimSpace(filters.CreatorID))
	} else if q := strings.TrimSpace(filters.Keyword); q != "" {
		if useTag {
			values.Set("tag", q)
		} else {
			values.Set("query", q)
		}
	}
	return values
}

// GetModels fetches one page of the list-models endpoint. An empty cursor
// requests the first page. Returns the page and the cursor/URL of the next
// one ("" when exhausted).
func (c *Client) GetModels(ctx context.Context, cursor string, filters models.SearchFilters, pageSize int, useTag bool) (models.ModelsResponse, string, error) {
	reqURL := cursor
	if reqURL == "" {
		values := BuildModelsQuery(filters, pageSize, useTag)
		reqURL = fmt.Sprintf("%s/models?%s", c.BaseURL, values.Encode())
	}

	var response models.ModelsResponse
	if err := c.getJSON(ctx, reqURL, &response); err != nil {
		return models.ModelsResponse{}, "", err
	}
	return response, response.Metadata.NextPage, nil
}

// GetModel fetches full details for one model id.
func (c *Client) GetModel(ctx context.Context, modelID int) (models.Model, error) {
	var model models.Model
	err := c.getJSON(ctx, fmt.Sprintf("%s/models/%d", c.BaseURL, modelID), &model)
	return model, err
}

// GetModelVersion fetches one model version by id.
func (c *Client) GetModelVersion(ctx context.Context, versionID int) (models.ModelVersion, error) {
	var version models.ModelVersion
	err := c.getJSON(ctx, fmt.Sprintf("%s/model-versions/%d", c.BaseURL, versionID), &version)
	return version, err
}

// SearchCreators queries the list-creators endpoint.
func (c *Client) SearchCreators(ctx context.Context, query string, limit int) ([]models.Creator, error) {
	if limit <= 0 {
		limit = 10
	}
	values := url.Values{}
	values.Set("query", query)
	values.Set("limit", fmt.Sprintf("%d", limit))

	var response models.CreatorsResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/creators?%s", c.BaseURL, values.Encode()), &response); err != nil {
		return nil, err
	}
	return response.Items, nil
}

// ResolveTag maps a free-text query onto the closest known tag, preferring
// the tag with the most models. Results are cached for the process
// lifetime; a lookup failure falls back to the query itself.
func (c *Client) ResolveTag(ctx context.Context, query string) string {
	q := strings.TrimSpace(query)
	if q == "" {
		return q
	}

	c.tagMu.Lock()
	if cached, ok := c.tagCache[q]; ok {
		c.tagMu.Unlock()
		return cached
	}
	c.tagMu.Unlock()

	values := url.Values{}
	values.Set("query", q)
	values.Set("limit", "5")

	var response models.TagsResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/tags?%s", c.BaseURL, values.Encode()), &response); err != nil {
		log.WithError(err).Debugf("Tag resolution failed for %q", q)
		return q
	}

	best := q
	bestCount := -1
	for _, tag := range response.Items {
		if tag.Name != "" && tag.ModelCount > bestCount {
			best = tag.Name
			bestCount = tag.ModelCount
		}
	}

	c.tagMu.Lock()
	c.tagCache[q] = best
	c.tagMu.Unlock()
	return best
}
