// Package catalog holds the fetched model catalog of a browsing session and
// the logic that decides when it can be re-filtered locally instead of being
// fetched again.
package catalog

import (
	"context"
	"errors"

	"github.com/Fasd800/civitai-browser/internal/api"
	"github.com/Fasd800/civitai-browser/internal/models"

	log "github.com/sirupsen/logrus"
)

// SessionCatalog is the accumulated result set of one search scope. Models
// keep their remote order and are unique by id.
type SessionCatalog struct {
	Filters    models.SearchFilters
	Models     []models.Model
	TotalItems int

	// Complete means no further remote fetch will extend this catalog:
	// either the listing was exhausted or a ceiling stopped aggregation.
	Complete bool

	// CeilingHit means a page or model ceiling ended aggregation, so the
	// catalog may be missing models the remote would have served.
	CeilingHit bool

	// Partial means aggregation ended on an error after at least one page
	// had already been stored.
	Partial bool

	nextCursor string
	pages      int
	seen       map[int]struct{}
}

// NewSessionCatalog starts an empty catalog for the given scope.
func NewSessionCatalog(filters models.SearchFilters) *SessionCatalog {
	return &SessionCatalog{
		Filters: filters,
		seen:    map[int]struct{}{},
	}
}

// Append merges one page into the catalog, dropping models whose id was
// already stored. Returns how many models were actually added.
func (c *SessionCatalog) Append(page models.ModelsResponse) int {
	if c.seen == nil {
		c.seen = map[int]struct{}{}
	}
	added := 0
	for _, m := range page.Items {
		if _, dup := c.seen[m.ID]; dup {
			continue
		}
		c.seen[m.ID] = struct{}{}
		c.Models = append(c.Models, m)
		added++
	}
	c.pages++
	if page.Metadata.TotalItems > c.TotalItems {
		c.TotalItems = page.Metadata.TotalItems
	}
	return added
}

// Pages returns how many pages have been merged so far.
func (c *SessionCatalog) Pages() int {
	return c.pages
}

// NextCursor returns the cursor of the next unfetched page, if any.
func (c *SessionCatalog) NextCursor() string {
	return c.nextCursor
}

// Aggregator walks the list-models endpoint page by page until the listing
// is exhausted or a ceiling stops it.
type Aggregator struct {
	Client    *api.Client
	MaxPages  int
	MaxModels int
	PageSize  int
}

// NewAggregator applies the default ceilings of 50 pages and 5000 models.
func NewAggregator(client *api.Client, maxPages, maxModels, pageSize int) *Aggregator {
	if maxPages <= 0 {
		maxPages = 50
	}
	if maxModels <= 0 {
		maxModels = 5000
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Aggregator{Client: client, MaxPages: maxPages, MaxModels: maxModels, PageSize: pageSize}
}

// Collect fetches every page of the scope into a fresh catalog. On an error
// mid-way the pages already stored are kept and returned alongside the
// error, with the catalog marked partial. Cancellation is checked before
// each page request.
func (a *Aggregator) Collect(ctx context.Context, filters models.SearchFilters) (*SessionCatalog, error) {
	cat := NewSessionCatalog(filters)
	err := a.Extend(ctx, cat, 0)
	return cat, err
}

// Extend fetches up to extraPages more pages into an existing catalog
// (0 means until exhaustion or a ceiling). The catalog's scope filters are
// reused as-is. A ceiling stop trims the stored models to the bound and
// closes the catalog: reaching the ceiling ends aggregation for this scope.
func (a *Aggregator) Extend(ctx context.Context, cat *SessionCatalog, extraPages int) error {
	fetched := 0
	for {
		if err := ctx.Err(); err != nil {
			cat.Partial = cat.pages > 0
			return err
		}
		if cat.pages >= a.MaxPages || len(cat.Models) >= a.MaxModels {
			a.closeAtCeiling(cat)
			return nil
		}
		if extraPages > 0 && fetched >= extraPages {
			return nil
		}
		if cat.pages > 0 && cat.nextCursor == "" {
			cat.Complete = true
			return nil
		}

		page, next, err := a.Client.GetModels(ctx, cat.nextCursor, cat.Filters, a.PageSize, false)
		if err != nil {
			cat.Partial = cat.pages > 0
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.WithError(err).Warnf("Catalog aggregation stopped after %d pages", cat.pages)
			return err
		}

		cat.Append(page)
		cat.nextCursor = next
		fetched++

		if next == "" {
			cat.Complete = true
			return nil
		}
		if cat.pages >= a.MaxPages || len(cat.Models) >= a.MaxModels {
			a.closeAtCeiling(cat)
			return nil
		}
	}
}

// closeAtCeiling marks a catalog done at the configured bound. Models past
// the bound are dropped so the stored count never exceeds it, and the cursor
// is cleared since no further fetch will happen for this scope.
func (a *Aggregator) closeAtCeiling(cat *SessionCatalog) {
	if len(cat.Models) > a.MaxModels {
		cat.Models = cat.Models[:a.MaxModels]
	}
	cat.Complete = true
	cat.CeilingHit = true
	cat.nextCursor = ""
	log.Debugf("Catalog ceiling reached after %d pages / %d models", cat.pages, len(cat.Models))
}
