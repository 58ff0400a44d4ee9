package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// StringOrStringSlice unmarshals from either a JSON string or a JSON array of
// strings. Several Civitai fields (allowCommercialUse among them) switch
// between the two depending on model age.
type StringOrStringSlice []string

// UnmarshalJSON implements json.Unmarshaler for StringOrStringSlice
func (s *StringOrStringSlice) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = arr
	return nil
}

// ContentRating is the maximum content level a browsing session wants to see.
// Levels are ordered PG < PG-13 < R < X < XXX.
type ContentRating string

const (
	RatingPG    ContentRating = "PG"
	RatingPG13  ContentRating = "PG-13"
	RatingR     ContentRating = "R"
	RatingX     ContentRating = "X"
	RatingXXX   ContentRating = "XXX"
	RatingUnset ContentRating = ""
)

var ratingOrder = map[ContentRating]int{
	RatingPG:   0,
	RatingPG13: 1,
	RatingR:    2,
	RatingX:    3,
	RatingXXX:  4,
}

// Level returns the numeric position of the rating in the ladder. Unknown or
// unset ratings map to PG.
func (r ContentRating) Level() int {
	if lvl, ok := ratingOrder[r]; ok {
		return lvl
	}
	return 0
}

// Allows reports whether content at the given rating is visible under this
// ceiling.
func (r ContentRating) Allows(other ContentRating) bool {
	return other.Level() <= r.Level()
}

// IncludesNsfw reports whether the ceiling admits anything above PG, which is
// what the remote API's boolean nsfw switch cares about.
func (r ContentRating) IncludesNsfw() bool {
	return r.Level() > ratingOrder[RatingPG]
}

// NormalizeRating maps the API's mixed nsfw representations (bool, numeric
// nsfwLevel, level name) onto the rating ladder.
func NormalizeRating(value interface{}) ContentRating {
	switch v := value.(type) {
	case nil:
		return RatingPG
	case bool:
		if v {
			return RatingXXX
		}
		return RatingPG
	case float64:
		for rating, lvl := range ratingOrder {
			if lvl == int(v) {
				return rating
			}
		}
		if int(v) >= len(ratingOrder) {
			return RatingXXX
		}
		return RatingPG
	case string:
		upper := ContentRating(strings.ToUpper(strings.TrimSpace(v)))
		if upper == "PG-13" {
			return RatingPG13
		}
		if _, ok := ratingOrder[upper]; ok {
			return upper
		}
		return RatingPG
	default:
		return RatingPG
	}
}

type (
	// SearchFilters is an immutable snapshot of one search request. Equality
	// of every field except Keyword decides whether a previously fetched
	// catalog can be re-filtered locally instead of hitting the API again.
	SearchFilters struct {
		Type          string        `json:"type,omitempty"`
		Sort          string        `json:"sort,omitempty"`
		Period        string        `json:"period,omitempty"`
		BaseModel     string        `json:"baseModel,omitempty"`
		Keyword       string        `json:"keyword,omitempty"`
		CreatorID     string        `json:"creatorId,omitempty"`
		ContentRating ContentRating `json:"contentRating,omitempty"`
		Tags          []string      `json:"tags,omitempty"`
		TagCategories []string      `json:"tagCategories,omitempty"`
	}

	// Creator identifies a model author.
	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	// ModelImage is one preview image attached to a model version.
	ModelImage struct {
		NsfwLevel interface{} `json:"nsfwLevel"`
		URL       string      `json:"url"`
		Hash      string      `json:"hash"`
		Type      string      `json:"type"`
		ID        int         `json:"id"`
		Width     int         `json:"width"`
		Height    int         `json:"height"`
		Nsfw      interface{} `json:"nsfw"`
	}

	// Hashes carries the checksums the API publishes per file.
	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	// FileMetadata describes precision/size/format variants of a file.
	FileMetadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	// File is one downloadable artifact inside a model version.
	File struct {
		Name        string       `json:"name"`
		Type        string       `json:"type"`
		DownloadUrl string       `json:"downloadUrl"`
		Metadata    FileMetadata `json:"metadata"`
		Hashes      Hashes       `json:"hashes"`
		SizeKB      float64      `json:"sizeKB"`
		ID          int          `json:"id"`
		Primary     bool         `json:"primary"`
	}

	// ModelVersion is one published revision of a model.
	ModelVersion struct {
		CreatedAt    string       `json:"createdAt"`
		PublishedAt  string       `json:"publishedAt"`
		BaseModel    string       `json:"baseModel"`
		Description  string       `json:"description"`
		DownloadUrl  string       `json:"downloadUrl"`
		Name         string       `json:"name"`
		TrainedWords []string     `json:"trainedWords"`
		Images       []ModelImage `json:"images"`
		Files        []File       `json:"files"`
		ID           int          `json:"id"`
		ModelId      int          `json:"modelId"`
	}

	// Model is one catalog entry as returned by the list and detail
	// endpoints. Immutable once fetched.
	Model struct {
		Creator            Creator             `json:"creator"`
		Description        string              `json:"description"`
		Type               string              `json:"type"`
		Name               string              `json:"name"`
		AllowCommercialUse StringOrStringSlice `json:"allowCommercialUse"`
		Tags               []string            `json:"tags"`
		ModelVersions      []ModelVersion      `json:"modelVersions"`
		ID                 int                 `json:"id"`
		Nsfw               bool                `json:"nsfw"`
		NsfwLevel          interface{}         `json:"nsfwLevel"`
	}

	// PaginationMetadata mirrors the metadata block of list responses.
	PaginationMetadata struct {
		NextPage    string `json:"nextPage"`
		PrevPage    string `json:"prevPage"`
		NextCursor  string `json:"nextCursor"`
		TotalItems  int    `json:"totalItems"`
		CurrentPage int    `json:"currentPage"`
		PageSize    int    `json:"pageSize"`
		TotalPages  int    `json:"totalPages"`
	}

	// ModelsResponse is the envelope of the list-models endpoint.
	ModelsResponse struct {
		Items    []Model            `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	// CreatorsResponse is the envelope of the list-creators endpoint.
	CreatorsResponse struct {
		Items    []Creator          `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	// Tag is one entry of the /tags endpoint.
	Tag struct {
		Name       string `json:"name"`
		ModelCount int    `json:"modelCount"`
	}

	// TagsResponse is the envelope of the /tags endpoint.
	TagsResponse struct {
		Items    []Tag              `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	// SearchResultPage is what a Search or LoadNextPage call hands back to
	// the presentation shell.
	SearchResultPage struct {
		Models            []Model `json:"models"`
		TotalItems        int     `json:"totalItems"`
		HasNextPage       bool    `json:"hasNextPage"`
		IsCatalogComplete bool    `json:"isCatalogComplete"`
		CeilingHit        bool    `json:"ceilingHit"`
		PartialCatalog    bool    `json:"partialCatalog"`
	}
)

// ContentLevel derives the model's position on the rating ladder, preferring
// the numeric nsfwLevel over the legacy boolean when both are present.
func (m Model) ContentLevel() ContentRating {
	if m.NsfwLevel != nil {
		return NormalizeRating(m.NsfwLevel)
	}
	return NormalizeRating(m.Nsfw)
}

// PrimaryFile returns the file flagged primary, falling back to the first
// file. The second return is false when the version has no files at all.
func (v ModelVersion) PrimaryFile() (File, bool) {
	if len(v.Files) == 0 {
		return File{}, false
	}
	for _, f := range v.Files {
		if f.Primary {
			return f, true
		}
	}
	return v.Files[0], true
}

// FileByID finds a file of the version by its id.
func (v ModelVersion) FileByID(fileID int) (File, bool) {
	for _, f := range v.Files {
		if f.ID == fileID {
			return f, true
		}
	}
	return File{}, false
}

// HasAnyHash reports whether the API supplied at least one checksum.
func (h Hashes) HasAnyHash() bool {
	return h.SHA256 != "" || h.BLAKE3 != "" || h.CRC32 != "" || h.AutoV2 != ""
}

// WithoutKeyword returns a copy of the filters with the keyword cleared.
// Keyword changes alone never require a refetch.
func (f SearchFilters) WithoutKeyword() SearchFilters {
	out := f
	out.Keyword = ""
	return out
}

// ScopeEquals compares two filter snapshots ignoring the keyword. Tag order
// is irrelevant.
func (f SearchFilters) ScopeEquals(other SearchFilters) bool {
	if f.Type != other.Type || f.Sort != other.Sort || f.Period != other.Period ||
		f.BaseModel != other.BaseModel || f.CreatorID != other.CreatorID ||
		f.ContentRating != other.ContentRating {
		return false
	}
	return sameStringSet(f.Tags, other.Tags) && sameStringSet(f.TagCategories, other.TagCategories)
}

// HasCreator reports whether the filters target a specific creator's catalog.
func (f SearchFilters) HasCreator() bool {
	return strings.TrimSpace(f.CreatorID) != ""
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i, s := range a {
		as[i] = strings.ToLower(s)
	}
	for i, s := range b {
		bs[i] = strings.ToLower(s)
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
