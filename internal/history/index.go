package history

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// Index is a bleve full-text index over recorded downloads. Model name,
// creator, type and state are searchable.
type Index struct {
	idx bleve.Index
}

// OpenOrCreateIndex opens the index at path, creating it when missing.
func OpenOrCreateIndex(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return &Index{idx: idx}, nil
	}
	if err != bleve.ErrorIndexPathDoesNotExist {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("opening history index %s: %w", path, err)
		}
	}

	mapping := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	doc.AddFieldMappingsAt("modelName", text)
	doc.AddFieldMappingsAt("creator", text)

	keyword := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("modelType", keyword)
	doc.AddFieldMappingsAt("state", keyword)
	doc.AddFieldMappingsAt("filePath", keyword)

	mapping.AddDocumentMapping("download", doc)
	mapping.DefaultType = "download"

	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, fmt.Errorf("creating history index %s: %w", path, err)
	}
	log.Debugf("Created history index at %s", path)
	return &Index{idx: idx}, nil
}

// IndexEntry adds or replaces the entry's document.
func (i *Index) IndexEntry(entry Entry) error {
	doc := map[string]interface{}{
		"modelName": entry.ModelName,
		"creator":   entry.Creator,
		"modelType": entry.ModelType,
		"state":     entry.State,
		"filePath":  entry.FilePath,
	}
	if err := i.idx.Index(entry.Key, doc); err != nil {
		return fmt.Errorf("indexing %s: %w", entry.Key, err)
	}
	return nil
}

// Search runs a query-string query and returns the matching entry keys.
func (i *Index) Search(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 25
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	result, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching history index: %w", err)
	}

	keys := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		keys = append(keys, hit.ID)
	}
	return keys, nil
}

// DeleteEntry removes a document by key.
func (i *Index) DeleteEntry(key string) error {
	return i.idx.Delete(key)
}

// Close releases the index.
func (i *Index) Close() error {
	return i.idx.Close()
}
