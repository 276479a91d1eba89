// Package facts provides the local node view used when filters are
// evaluated on a node: YAML facts, configuration management classes and
// the node predicates built on top of them.
package facts

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrEmptyFacts is returned when every configured source yields no facts
var ErrEmptyFacts = errors.New("got empty facts")

// YAMLSource loads facts from one or more YAML files, merged in order.
// Files are re-read only when one of their modification times changes;
// on a failed reload the last good facts are kept.
type YAMLSource struct {
	paths  []string
	logger logrus.FieldLogger

	mu       sync.Mutex
	mtimes   map[string]time.Time
	facts    map[string]any
	loadedAt time.Time
}

// NewYAMLSource creates a source over the given files
func NewYAMLSource(logger logrus.FieldLogger, paths ...string) *YAMLSource {
	return &YAMLSource{
		paths:  paths,
		logger: logger,
		mtimes: make(map[string]time.Time),
	}
}

// Facts returns the current facts, reloading when a file changed.
func (s *YAMLSource) Facts() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.facts != nil && !s.changed() {
		return s.facts, nil
	}

	loaded, err := s.load()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load facts")
		if s.facts != nil {
			return s.facts, nil
		}
		return map[string]any{}, err
	}

	s.facts = loaded
	s.loadedAt = time.Now()
	return s.facts, nil
}

// Fact returns a single top level fact
func (s *YAMLSource) Fact(name string) (any, bool) {
	facts, _ := s.Facts()
	v, ok := facts[name]
	return v, ok
}

// LoadedAt reports when facts were last successfully read.
func (s *YAMLSource) LoadedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedAt
}

func (s *YAMLSource) changed() bool {
	for _, path := range s.paths {
		info, err := os.Stat(path)
		if err != nil {
			return true
		}
		if !info.ModTime().Equal(s.mtimes[path]) {
			return true
		}
	}
	return false
}

func (s *YAMLSource) load() (map[string]any, error) {
	merged := make(map[string]any)

	for _, path := range s.paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot find YAML facts file %s: %w", path, err)
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read facts file %s: %w", path, err)
		}

		var facts map[string]any
		if err := yaml.Unmarshal(raw, &facts); err != nil {
			return nil, fmt.Errorf("parse facts file %s: %w", path, err)
		}
		maps.Copy(merged, facts)
		s.mtimes[path] = info.ModTime()
	}

	if len(merged) == 0 {
		return nil, ErrEmptyFacts
	}
	return merged, nil
}
