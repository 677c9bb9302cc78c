// Package storage persists orchestrator records as JSON documents on disk.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lamim/ddreview/pkg/models"
)

const archiveDir = "archive"

// FileStore reads and writes JSON documents below a root directory.
// Writes are atomic: a document is either the previous or the new version.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore creates the root directory if needed
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileStore{root: root, logger: logger}, nil
}

func (s *FileStore) path(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage path %q", rel)
	}
	return filepath.Join(s.root, clean), nil
}

// WriteJSON marshals v and atomically replaces the document at rel
func (s *FileStore) WriteJSON(rel string, v any) error {
	target, err := s.path(rel)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", rel, err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	// Atomic write: write to temp file, then rename
	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", rel, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file for %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file for %s: %w", rel, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", rel, err)
	}

	s.logger.Debug("Document saved", "path", rel)
	return nil
}

// ReadJSON loads the document at rel into v. Missing documents yield models.ErrNotFound.
func (s *FileStore) ReadJSON(rel string, v any) error {
	target, err := s.path(rel)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", models.ErrNotFound, rel)
		}
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", rel, err)
	}
	return nil
}

// Remove deletes the document at rel. Removing a missing document is not an error.
func (s *FileStore) Remove(rel string) error {
	target, err := s.path(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	s.logger.Debug("Document removed", "path", rel)
	return nil
}

// List returns the base names (without .json) of documents directly under dir, sorted
func (s *FileStore) List(dir string) ([]string, error) {
	target, err := s.path(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Archive moves dir under archive/ with a timestamp suffix
func (s *FileStore) Archive(dir string) (string, error) {
	source, err := s.path(dir)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(source); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", models.ErrNotFound, dir)
		}
		return "", fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	name := strings.ReplaceAll(filepath.ToSlash(filepath.Clean(dir)), "/", "_")
	rel := filepath.Join(archiveDir, name+"_"+time.Now().Format("2006-01-02T15-04-05.000000000"))
	dest := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := os.Rename(source, dest); err != nil {
		return "", fmt.Errorf("failed to archive %s: %w", dir, err)
	}
	s.logger.Info("Archived directory", "from", dir, "to", rel)
	return rel, nil
}
