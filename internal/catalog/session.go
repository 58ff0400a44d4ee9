package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/Fasd800/civitai-browser/internal/api"
	"github.com/Fasd800/civitai-browser/internal/downloader"
	"github.com/Fasd800/civitai-browser/internal/models"
	"github.com/Fasd800/civitai-browser/internal/sanitize"

	log "github.com/sirupsen/logrus"
)

// MaxSessions bounds how many browsing sessions may exist at once.
const MaxSessions = 5

var (
	ErrTooManySessions = errors.New("session limit reached")
	ErrUnknownSession  = errors.New("no such session")
	ErrNotCivitaiURL   = errors.New("not a recognisable civitai.com model URL")
)

// OutcomeRecorder receives every terminal download outcome. The history
// store implements it.
type OutcomeRecorder interface {
	Record(outcome downloader.Outcome) error
}

// Manager hands out sessions. All sessions share one API client, so the
// process-wide rate limiter serializes their network traffic.
type Manager struct {
	client     *api.Client
	pipeline   *downloader.Pipeline
	recorder   OutcomeRecorder
	aggregator *Aggregator
	pageSize   int

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOptions tunes catalog ceilings and page sizes.
type ManagerOptions struct {
	MaxPages       int
	MaxModels      int
	CreatorPageSz  int
	BrowsePageSize int
}

// NewManager wires the session layer. recorder may be nil to skip history.
func NewManager(client *api.Client, pipeline *downloader.Pipeline, recorder OutcomeRecorder, opts ManagerOptions) *Manager {
	if opts.BrowsePageSize <= 0 {
		opts.BrowsePageSize = 20
	}
	return &Manager{
		client:     client,
		pipeline:   pipeline,
		recorder:   recorder,
		aggregator: NewAggregator(client, opts.MaxPages, opts.MaxModels, opts.CreatorPageSz),
		pageSize:   opts.BrowsePageSize,
		sessions:   map[string]*Session{},
	}
}

// Open creates a named session. A sixth concurrent session is refused.
func (m *Manager) Open(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[name]; ok {
		return s, nil
	}
	if len(m.sessions) >= MaxSessions {
		return nil, fmt.Errorf("%w: %d sessions already open", ErrTooManySessions, len(m.sessions))
	}

	s := &Session{
		name:       name,
		client:     m.client,
		pipeline:   m.pipeline,
		recorder:   m.recorder,
		aggregator: m.aggregator,
		pageSize:   m.pageSize,
	}
	m.sessions[name] = s
	log.Debugf("Opened session %q (%d active)", name, len(m.sessions))
	return s, nil
}

// Close discards a session and its catalog.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}
	delete(m.sessions, name)
	return nil
}

// Active returns how many sessions exist.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Session is one browsing tab. It owns its catalog and current filters;
// calls on one session must not be issued concurrently, but separate
// sessions are independent.
type Session struct {
	name       string
	client     *api.Client
	pipeline   *downloader.Pipeline
	recorder   OutcomeRecorder
	aggregator *Aggregator
	pageSize   int

	filters models.SearchFilters
	catalog *SessionCatalog
}

// Filters returns the session's current filter snapshot.
func (s *Session) Filters() models.SearchFilters {
	return s.filters
}

// Search answers a new filter snapshot, reusing the fetched catalog when
// only the keyword changed inside a creator scope.
func (s *Session) Search(ctx context.Context, filters models.SearchFilters) (models.SearchResultPage, error) {
	action := Plan(s.filters, filters, s.catalog != nil)
	log.Debugf("Session %q search: %s", s.name, action)

	if action == ReuseLocal {
		s.filters = filters
		return s.resultPage(filters), nil
	}

	s.catalog = nil
	s.filters = filters

	if filters.HasCreator() {
		cat, err := s.aggregator.Collect(ctx, filters.WithoutKeyword())
		if err != nil {
			if len(cat.Models) == 0 {
				return models.SearchResultPage{}, err
			}
			log.WithError(err).Warnf("Keeping partial catalog of %d models", len(cat.Models))
		}
		s.catalog = cat
		return s.resultPage(filters), nil
	}

	cat, err := s.browseFirstPage(ctx, filters)
	if err != nil {
		return models.SearchResultPage{}, err
	}
	s.catalog = cat
	return s.resultPage(filters), nil
}

// browseFirstPage runs a keyword search without a creator: the raw query
// and the resolved tag are both tried, merged by id, and the variant whose
// metadata reports more total items decides pagination.
func (s *Session) browseFirstPage(ctx context.Context, filters models.SearchFilters) (*SessionCatalog, error) {
	scope := filters.WithoutKeyword()
	scope.Keyword = strings.TrimSpace(filters.Keyword)

	queryPage, queryNext, queryErr := s.client.GetModels(ctx, "", scope, s.pageSize, false)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var tagPage models.ModelsResponse
	var tagNext string
	tagErr := errors.New("tag search skipped")
	if scope.Keyword != "" {
		tagScope := scope
		tagScope.Keyword = s.client.ResolveTag(ctx, scope.Keyword)
		tagPage, tagNext, tagErr = s.client.GetModels(ctx, "", tagScope, s.pageSize, true)
	}

	if queryErr != nil && tagErr != nil {
		return nil, queryErr
	}

	primary, secondary := queryPage, tagPage
	primaryNext := queryNext
	if queryErr != nil || (tagErr == nil && tagPage.Metadata.TotalItems > queryPage.Metadata.TotalItems) {
		primary, secondary = tagPage, queryPage
		primaryNext = tagNext
	}

	cat := NewSessionCatalog(filters)
	cat.Append(primary)
	for _, m := range secondary.Items {
		if _, dup := cat.seen[m.ID]; !dup {
			cat.seen[m.ID] = struct{}{}
			cat.Models = append(cat.Models, m)
		}
	}
	cat.nextCursor = primaryNext
	cat.Complete = primaryNext == ""
	return cat, nil
}

// LoadNextPage extends a browse catalog by one remote page. Creator-scoped
// catalogs are already fully aggregated and report no further pages.
func (s *Session) LoadNextPage(ctx context.Context) (models.SearchResultPage, error) {
	if s.catalog == nil {
		return models.SearchResultPage{}, fmt.Errorf("no active search in session %q", s.name)
	}
	if s.catalog.Complete || s.catalog.NextCursor() == "" {
		return s.resultPage(s.filters), nil
	}

	if err := s.aggregator.Extend(ctx, s.catalog, 1); err != nil {
		return s.resultPage(s.filters), err
	}
	return s.resultPage(s.filters), nil
}

// resultPage refines the catalog through the local matcher and cleans the
// descriptions on their way out. In a creator scope the catalog was fetched
// without the keyword, so the keyword is applied here; in an open browse
// the remote query already honoured it.
func (s *Session) resultPage(filters models.SearchFilters) models.SearchResultPage {
	local := filters
	if !filters.HasCreator() {
		local = filters.WithoutKeyword()
	}
	matched := Refine(s.catalog.Models, local)

	out := make([]models.Model, len(matched))
	for i, m := range matched {
		m.Description = sanitize.Description(m.Description)
		for vi := range m.ModelVersions {
			m.ModelVersions[vi].Description = sanitize.Description(m.ModelVersions[vi].Description)
		}
		out[i] = m
	}

	total := s.catalog.TotalItems
	if total < len(out) {
		total = len(out)
	}
	return models.SearchResultPage{
		Models:            out,
		TotalItems:        total,
		HasNextPage:       !s.catalog.Complete && s.catalog.NextCursor() != "",
		IsCatalogComplete: s.catalog.Complete,
		CeilingHit:        s.catalog.CeilingHit,
		PartialCatalog:    s.catalog.Partial,
	}
}

// Download runs a pipeline job for the selected model/version and records
// the terminal outcome.
func (s *Session) Download(ctx context.Context, req downloader.Request, progress downloader.Progress) (downloader.Outcome, error) {
	outcome, err := s.pipeline.Run(ctx, req, progress)
	if s.recorder != nil && outcome.State != downloader.StatePending {
		if recordErr := s.recorder.Record(outcome); recordErr != nil {
			log.WithError(recordErr).Warn("Failed to record download outcome")
		}
	}
	return outcome, err
}

// LoadByUrl fetches the model a civitai.com page URL points at, returning
// the model and the addressed version (the latest one when the URL names
// none).
func (s *Session) LoadByUrl(ctx context.Context, rawURL string) (models.Model, models.ModelVersion, error) {
	modelID, versionID, err := ParseModelURL(rawURL)
	if err != nil {
		return models.Model{}, models.ModelVersion{}, err
	}

	model, err := s.client.GetModel(ctx, modelID)
	if err != nil {
		return models.Model{}, models.ModelVersion{}, err
	}
	model.Description = sanitize.Description(model.Description)

	if len(model.ModelVersions) == 0 {
		return model, models.ModelVersion{}, fmt.Errorf("model %d has no versions", modelID)
	}
	if versionID > 0 {
		for _, v := range model.ModelVersions {
			if v.ID == versionID {
				return model, v, nil
			}
		}
		return model, models.ModelVersion{}, fmt.Errorf("model %d has no version %d", modelID, versionID)
	}
	return model, model.ModelVersions[0], nil
}

// ParseModelURL extracts the model id (and optional modelVersionId query
// parameter) from a civitai.com model page URL.
func ParseModelURL(rawURL string) (modelID, versionID int, err error) {
	parsed, parseErr := url.Parse(strings.TrimSpace(rawURL))
	if parseErr != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotCivitaiURL, parseErr)
	}
	host := strings.ToLower(parsed.Hostname())
	if host != "civitai.com" && !strings.HasSuffix(host, ".civitai.com") {
		return 0, 0, fmt.Errorf("%w: host %q", ErrNotCivitaiURL, host)
	}

	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i, part := range parts {
		if part == "models" && i+1 < len(parts) {
			id, convErr := strconv.Atoi(parts[i+1])
			if convErr != nil || id <= 0 {
				return 0, 0, fmt.Errorf("%w: bad model id %q", ErrNotCivitaiURL, parts[i+1])
			}
			modelID = id
			break
		}
	}
	if modelID == 0 {
		return 0, 0, fmt.Errorf("%w: no /models/<id> segment", ErrNotCivitaiURL)
	}

	if raw := parsed.Query().Get("modelVersionId"); raw != "" {
		if id, convErr := strconv.Atoi(raw); convErr == nil && id > 0 {
			versionID = id
		}
	}
	return modelID, versionID, nil
}
