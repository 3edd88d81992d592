// Package templates loads verification request templates and discovers
// example requests published by a verifier.
package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const templateSuffix = "-conf.json"

var ErrNotFound = errors.New("request template not found")

// NotFoundError reports a missing template together with the ids that
// do exist.
type NotFoundError struct {
	ID        string
	Available []string
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("no configuration found for %q: no configs found", e.ID)
	}
	return fmt.Sprintf("no configuration found for %q: available: %s", e.ID, strings.Join(e.Available, ", "))
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Store reads <id>-conf.json files from a directory
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a template store rooted at dir
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.Named("templates"),
	}
}

// Dir returns the template directory
func (s *Store) Dir() string {
	return s.dir
}

// List returns the sorted ids of all templates. A missing directory yields
// an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}

	ids := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), templateSuffix) {
			return "", false
		}
		return strings.TrimSuffix(e.Name(), templateSuffix), true
	})
	sort.Strings(ids)
	return ids, nil
}

// Load returns the template for id
func (s *Store) Load(ctx context.Context, id string) (json.RawMessage, error) {
	if !validID(id) {
		return nil, s.notFound(id)
	}

	path := filepath.Join(s.dir, id+templateSuffix)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s.notFound(id)
		}
		return nil, fmt.Errorf("failed to read config for %q: %w", id, err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("failed to read config for %q: invalid JSON", id)
	}

	s.logger.Debug("loaded request template", zap.String("request_id", id))
	return json.RawMessage(data), nil
}

func (s *Store) notFound(id string) error {
	available, err := s.List()
	if err != nil {
		s.logger.Warn("failed to list templates", zap.Error(err))
	}
	return &NotFoundError{ID: id, Available: available}
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}
