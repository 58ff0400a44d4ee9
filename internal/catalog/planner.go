package catalog

import (
	"strings"

	"github.com/Fasd800/civitai-browser/internal/models"
)

// Action says how a new search request should be satisfied.
type Action int

const (
	// RefetchRemote discards the current catalog and fetches a new one.
	RefetchRemote Action = iota
	// ReuseLocal re-filters the already fetched catalog without touching
	// the network.
	ReuseLocal
)

func (a Action) String() string {
	if a == ReuseLocal {
		return "reuse-local"
	}
	return "refetch-remote"
}

// Plan decides between the two actions. Only a keyword-only change inside a
// creator's fully loaded catalog can be answered locally; changing any
// scope field (type, sort, period, base model, creator, rating, tags)
// invalidates what was fetched.
func Plan(current, next models.SearchFilters, haveCatalog bool) Action {
	if !haveCatalog {
		return RefetchRemote
	}
	if !next.HasCreator() {
		return RefetchRemote
	}
	if !current.ScopeEquals(next) {
		return RefetchRemote
	}
	return ReuseLocal
}

// Match reports whether a model satisfies the filters. The keyword matches
// as a case-insensitive substring of the model name, any tag, or any
// version name. Required tags must all be present; category tags need one
// hit; the base model matches as a substring of any version's base model;
// the content rating is a ceiling.
func Match(m models.Model, f models.SearchFilters) bool {
	if !matchesKeyword(m, f.Keyword) {
		return false
	}
	if !hasAllTags(m.Tags, f.Tags) {
		return false
	}
	if len(f.TagCategories) > 0 && !hasAnyTag(m.Tags, f.TagCategories) {
		return false
	}
	if !matchesBaseModel(m, f.BaseModel) {
		return false
	}
	if f.ContentRating != models.RatingUnset && !f.ContentRating.Allows(m.ContentLevel()) {
		return false
	}
	return true
}

// Refine filters a catalog slice in place order, never mutating the input.
func Refine(catalog []models.Model, f models.SearchFilters) []models.Model {
	out := make([]models.Model, 0, len(catalog))
	for _, m := range catalog {
		if Match(m, f) {
			out = append(out, m)
		}
	}
	return out
}

func matchesKeyword(m models.Model, keyword string) bool {
	q := strings.ToLower(strings.TrimSpace(keyword))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(m.Name), q) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	for _, v := range m.ModelVersions {
		if strings.Contains(strings.ToLower(v.Name), q) {
			return true
		}
	}
	return false
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		if !hasAnyTag(have, []string{w}) {
			return false
		}
	}
	return true
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(w)) {
				return true
			}
		}
	}
	return false
}

func matchesBaseModel(m models.Model, baseModel string) bool {
	q := strings.ToLower(strings.TrimSpace(baseModel))
	if q == "" {
		return true
	}
	for _, v := range m.ModelVersions {
		if strings.Contains(strings.ToLower(v.BaseModel), q) {
			return true
		}
	}
	return false
}
