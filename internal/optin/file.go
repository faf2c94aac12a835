package optin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sort"
	"sync"

	"communitybot/internal/filestore"
	appLog "communitybot/internal/log"
)

// fileDocument is the on-disk shape.
type fileDocument struct {
	OptedInUserIDs []string `json:"optedInUserIds"`
}

// FileStore keeps the opt-in set as one JSON document that is rewritten in
// full on every change. The mutex serializes writers inside this process;
// across processes the last writer wins.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created with an
// empty list on first use.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) OptIn(_ context.Context, userID string) (bool, error) {
	id, err := normalizeID(userID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.readLocked()
	if slices.Contains(ids, id) {
		// Still persist so a missing store gets initialized.
		return false, s.writeLocked(ids)
	}
	return true, s.writeLocked(append(ids, id))
}

func (s *FileStore) OptOut(_ context.Context, userID string) (bool, error) {
	id, err := normalizeID(userID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.readLocked()
	idx := slices.Index(ids, id)
	if idx < 0 {
		return false, s.writeLocked(ids)
	}
	return true, s.writeLocked(slices.Delete(ids, idx, idx+1))
}

func (s *FileStore) List(_ context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.readLocked()
	sort.Strings(ids)
	return ids
}

// readLocked returns the stored IDs, de-duplicated. A missing file is the
// empty set; a corrupt one is logged and also read as empty.
func (s *FileStore) readLocked() []string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			appLog.Error("optin store read failed", err, "path", s.path)
		}
		return []string{}
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		appLog.Error("optin store corrupt, treating as empty", err, "path", s.path)
		return []string{}
	}

	seen := make(map[string]struct{}, len(doc.OptedInUserIDs))
	out := make([]string, 0, len(doc.OptedInUserIDs))
	for _, id := range doc.OptedInUserIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *FileStore) writeLocked(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.MarshalIndent(fileDocument{OptedInUserIDs: ids}, "", "  ")
	if err != nil {
		return fmt.Errorf("optin: marshal: %w", err)
	}
	if err := filestore.AtomicWrite(s.path, data, 0o600); err != nil {
		return fmt.Errorf("optin: write %s: %w", s.path, err)
	}
	return nil
}
