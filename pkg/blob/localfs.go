package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LocalStore keeps artifacts on the local filesystem under
// <root>/<index>/<document>/<name>. Writes go through a temp file and
// rename so a crash never leaves a half-written artifact visible.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Write(ctx context.Context, index, documentID, name string, data []byte) error {
	if err := validateKey(index, documentID, name); err != nil {
		return err
	}
	dir := filepath.Join(s.root, index, documentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}
	dst := filepath.Join(dir, name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}
	return nil
}

func (s *LocalStore) Read(ctx context.Context, index, documentID, name string) ([]byte, error) {
	if err := validateKey(index, documentID, name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, index, documentID, name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

func (s *LocalStore) List(ctx context.Context, index, documentID string) ([]string, error) {
	if err := validateKey(index, documentID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, index, documentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStore) DeleteDocument(ctx context.Context, index, documentID string) error {
	if err := validateKey(index, documentID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, index, documentID)); err != nil {
		return fmt.Errorf("failed to delete document artifacts: %w", err)
	}
	return nil
}

func (s *LocalStore) DeleteIndex(ctx context.Context, index string) error {
	if err := validateKey(index); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, index)); err != nil {
		return fmt.Errorf("failed to delete index artifacts: %w", err)
	}
	return nil
}
