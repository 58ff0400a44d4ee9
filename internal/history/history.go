// Package history records terminal download outcomes so later invocations
// can answer what was already pulled and with what result.
package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"

	"github.com/Fasd800/civitai-browser/internal/downloader"
)

// Entry is one stored download outcome.
type Entry struct {
	Key         string    `json:"key"`
	ModelID     int       `json:"modelId"`
	VersionID   int       `json:"versionId"`
	ModelName   string    `json:"modelName"`
	ModelType   string    `json:"modelType"`
	Creator     string    `json:"creator"`
	State       string    `json:"state"`
	FilePath    string    `json:"filePath"`
	PreviewPath string    `json:"previewPath,omitempty"`
	SizeBytes   uint64    `json:"sizeBytes"`
	Warnings    []string  `json:"warnings,omitempty"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Store persists entries in a bitcask database, optionally mirroring them
// into a search index.
type Store struct {
	db    *bitcask.Bitcask
	index *Index
}

// Open opens (or creates) the store at dbPath. indexPath may be empty to
// run without search; an index that fails to open only disables search.
func Open(dbPath, indexPath string) (*Store, error) {
	db, err := bitcask.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history database %s: %w", dbPath, err)
	}

	store := &Store{db: db}
	if indexPath != "" {
		idx, err := OpenOrCreateIndex(indexPath)
		if err != nil {
			log.WithError(err).Warn("History search index unavailable, continuing without search")
		} else {
			store.index = idx
		}
	}
	return store, nil
}

// Close releases the database and the index.
func (s *Store) Close() error {
	var indexErr error
	if s.index != nil {
		indexErr = s.index.Close()
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing history database: %w", err)
	}
	return indexErr
}

func entryKey(versionID int) []byte {
	return []byte(fmt.Sprintf("v_%d", versionID))
}

// Record stores the outcome of a finished job, replacing any previous entry
// for the same version.
func (s *Store) Record(outcome downloader.Outcome) error {
	entry := Entry{
		Key:         string(entryKey(outcome.VersionID)),
		ModelID:     outcome.ModelID,
		VersionID:   outcome.VersionID,
		ModelName:   outcome.ModelName,
		ModelType:   outcome.ModelType,
		Creator:     outcome.Creator,
		State:       string(outcome.State),
		FilePath:    outcome.FilePath,
		PreviewPath: outcome.PreviewPath,
		SizeBytes:   outcome.SizeBytes,
		Warnings:    outcome.Warnings,
		Error:       outcome.Error,
		FinishedAt:  outcome.FinishedAt,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding history entry: %w", err)
	}
	if err := s.db.Put(entryKey(outcome.VersionID), raw); err != nil {
		return fmt.Errorf("writing history entry: %w", err)
	}

	if s.index != nil {
		if err := s.index.IndexEntry(entry); err != nil {
			log.WithError(err).Warnf("Failed to index history entry %s", entry.Key)
		}
	}
	return nil
}

// Get returns the entry for a version id, if one was recorded.
func (s *Store) Get(versionID int) (Entry, bool, error) {
	raw, err := s.db.Get(entryKey(versionID))
	if err != nil {
		if err == bitcask.ErrKeyNotFound {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("reading history entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decoding history entry: %w", err)
	}
	return entry, true, nil
}

// List returns every entry, most recent first.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.Fold(func(key []byte) error {
		if !strings.HasPrefix(string(key), "v_") {
			return nil
		}
		raw, err := s.db.Get(key)
		if err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			log.WithError(err).Warnf("Skipping undecodable history entry %s", key)
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking history entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FinishedAt.After(entries[j].FinishedAt)
	})
	return entries, nil
}

// Search runs a query against the index and resolves the hits back to full
// entries. Without an index it returns an error.
func (s *Store) Search(query string, limit int) ([]Entry, error) {
	if s.index == nil {
		return nil, fmt.Errorf("history search index is not available")
	}
	keys, err := s.index.Search(query, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		raw, err := s.db.Get([]byte(key))
		if err != nil {
			if err == bitcask.ErrKeyNotFound {
				continue
			}
			return nil, fmt.Errorf("resolving search hit %s: %w", key, err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete removes the entry (and index document) for a version id.
func (s *Store) Delete(versionID int) error {
	key := entryKey(versionID)
	if err := s.db.Delete(key); err != nil && err != bitcask.ErrKeyNotFound {
		return fmt.Errorf("deleting history entry: %w", err)
	}
	if s.index != nil {
		if err := s.index.DeleteEntry(string(key)); err != nil {
			log.WithError(err).Warnf("Failed to remove %s from history index", key)
		}
	}
	return nil
}
