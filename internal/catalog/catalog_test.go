package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fasd800/civitai-browser/internal/api"
	"github.com/Fasd800/civitai-browser/internal/models"
)

func testAPIClient(serverURL string) *api.Client {
	client := api.NewClient("", nil, api.NewLimiter(time.Millisecond, 2*time.Millisecond), api.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	client.BaseURL = serverURL
	return client
}

// pagedServer serves numPages of pageSize models each, with ids unique per
// page unless overlap is set.
func pagedServer(t *testing.T, numPages, pageSize int, overlap bool, hits *int32) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		page := 1
		if c := r.URL.Query().Get("page"); c != "" {
			page, _ = strconv.Atoi(c)
		}

		var items []models.Model
		for i := 0; i < pageSize; i++ {
			id := (page-1)*pageSize + i + 1
			if overlap && page > 1 && i == 0 {
				// repeat the first id of the previous page
				id = (page-2)*pageSize + 1
			}
			items = append(items, models.Model{ID: id, Name: fmt.Sprintf("Model %d", id)})
		}

		next := ""
		if page < numPages {
			next = fmt.Sprintf("%s/models?page=%d", server.URL, page+1)
		}
		resp := models.ModelsResponse{
			Items: items,
			Metadata: models.PaginationMetadata{
				NextPage:   next,
				TotalItems: numPages * pageSize,
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAggregatorCollectsAllPages(t *testing.T) {
	server := pagedServer(t, 3, 4, false, nil)
	agg := NewAggregator(testAPIClient(server.URL), 50, 5000, 4)

	cat, err := agg.Collect(context.Background(), models.SearchFilters{CreatorID: "artist"})
	require.NoError(t, err)
	assert.Len(t, cat.Models, 12)
	assert.Equal(t, 3, cat.Pages())
	assert.True(t, cat.Complete)
	assert.False(t, cat.Partial)
	assert.Equal(t, 12, cat.TotalItems)
}

func TestAggregatorDeduplicatesAcrossPages(t *testing.T) {
	server := pagedServer(t, 3, 4, true, nil)
	agg := NewAggregator(testAPIClient(server.URL), 50, 5000, 4)

	cat, err := agg.Collect(context.Background(), models.SearchFilters{CreatorID: "artist"})
	require.NoError(t, err)

	seen := map[int]bool{}
	for _, m := range cat.Models {
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
	}
}

func TestAggregatorStopsAtPageCeiling(t *testing.T) {
	var hits int32
	server := pagedServer(t, 100, 2, false, &hits)
	agg := NewAggregator(testAPIClient(server.URL), 5, 5000, 2)

	cat, err := agg.Collect(context.Background(), models.SearchFilters{CreatorID: "artist"})
	require.NoError(t, err)
	assert.Equal(t, 5, cat.Pages())
	assert.Len(t, cat.Models, 10)
	assert.True(t, cat.Complete, "a ceiling stop closes the catalog")
	assert.True(t, cat.CeilingHit)
	assert.Empty(t, cat.NextCursor())
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))

	// Once closed at the ceiling, further extension is a no-op.
	require.NoError(t, agg.Extend(context.Background(), cat, 0))
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}

func TestAggregatorStopsAtModelCeiling(t *testing.T) {
	server := pagedServer(t, 100, 10, false, nil)
	agg := NewAggregator(testAPIClient(server.URL), 50, 25, 10)

	cat, err := agg.Collect(context.Background(), models.SearchFilters{CreatorID: "artist"})
	require.NoError(t, err)
	assert.Len(t, cat.Models, 25, "stored models never exceed the ceiling")
	assert.True(t, cat.Complete)
	assert.True(t, cat.CeilingHit)
}

func TestAggregatorKeepsPartialCatalogOnError(t *testing.T) {
	var hits int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := atomic.AddInt32(&hits, 1)
		if page >= 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		resp := models.ModelsResponse{
			Items:    []models.Model{{ID: int(page)}},
			Metadata: models.PaginationMetadata{NextPage: fmt.Sprintf("%s/models?page=%d", server.URL, page+1)},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	agg := NewAggregator(testAPIClient(server.URL), 50, 5000, 1)
	cat, err := agg.Collect(context.Background(), models.SearchFilters{CreatorID: "artist"})
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.Len(t, cat.Models, 2, "pages fetched before the error survive")
	assert.True(t, cat.Partial)
	assert.False(t, cat.Complete)
}

func TestAggregatorHonoursCancellation(t *testing.T) {
	var hits int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		resp := models.ModelsResponse{
			Items:    []models.Model{{ID: int(atomic.LoadInt32(&hits))}},
			Metadata: models.PaginationMetadata{NextPage: server.URL + "/models?page=next"},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	agg := NewAggregator(testAPIClient(server.URL), 50, 5000, 1)

	cat := NewSessionCatalog(models.SearchFilters{CreatorID: "artist"})
	require.NoError(t, agg.Extend(ctx, cat, 2))
	require.Len(t, cat.Models, 2)

	cancel()
	err := agg.Extend(ctx, cat, 2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, cat.Models, 2, "already fetched pages are kept after cancellation")
	assert.True(t, cat.Partial)
}

func TestSessionCatalogAppendDeduplicates(t *testing.T) {
	cat := NewSessionCatalog(models.SearchFilters{})
	added := cat.Append(models.ModelsResponse{Items: []models.Model{{ID: 1}, {ID: 2}, {ID: 1}}})
	assert.Equal(t, 2, added)
	added = cat.Append(models.ModelsResponse{Items: []models.Model{{ID: 2}, {ID: 3}}})
	assert.Equal(t, 1, added)
	assert.Len(t, cat.Models, 3)
	assert.Equal(t, 2, cat.Pages())
}
