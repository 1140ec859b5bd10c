// Package preferences persists local, per-device user settings such as sidebar state and
// saved task filters. A Store is constructed explicitly and loaded and saved on demand.
package preferences

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/ignatij/gocadence/pkg/optimistic"
	"github.com/ignatij/gocadence/pkg/service"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Preferences is the on-disk document.
type Preferences struct {
	SidebarCollapsed bool                         `yaml:"sidebar_collapsed"`
	DefaultPageSize  int                          `yaml:"default_page_size"`
	SavedFilters     map[string]service.TaskQuery `yaml:"saved_filters,omitempty"`
}

func Defaults() Preferences {
	return Preferences{
		DefaultPageSize: service.DefaultPageSize,
		SavedFilters:    map[string]service.TaskQuery{},
	}
}

func clonePreferences(p Preferences) Preferences {
	p.SavedFilters = maps.Clone(p.SavedFilters)
	if p.SavedFilters == nil {
		p.SavedFilters = map[string]service.TaskQuery{}
	}
	return p
}

// Store holds preferences in memory and mirrors them to a YAML file.
type Store struct {
	path      string
	mu        sync.Mutex
	prefs     Preferences
	writeFile func(path string, data []byte) error
}

func NewStore(path string) *Store {
	return &Store{path: path, prefs: Defaults(), writeFile: writeFileAtomic}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the file. A missing file leaves the defaults in place.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.prefs = Defaults()
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read preferences %s", s.path)
	}
	prefs := Defaults()
	if err := yaml.Unmarshal(data, &prefs); err != nil {
		return errors.Wrapf(err, "parse preferences %s", s.path)
	}
	if prefs.DefaultPageSize < 1 || prefs.DefaultPageSize > service.MaxPageSize {
		prefs.DefaultPageSize = service.DefaultPageSize
	}
	s.mu.Lock()
	s.prefs = clonePreferences(prefs)
	s.mu.Unlock()
	return nil
}

// Save writes the current preferences to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	data, err := yaml.Marshal(s.prefs)
	if err != nil {
		return errors.Wrap(err, "encode preferences")
	}
	if err := s.writeFile(s.path, data); err != nil {
		return errors.Wrapf(err, "write preferences %s", s.path)
	}
	return nil
}

// Get returns a copy of the current preferences.
func (s *Store) Get() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePreferences(s.prefs)
}

// Update applies fn and saves. If fn or the save fails the in-memory preferences are
// restored to what they were before the call.
func (s *Store) Update(fn func(*Preferences) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := optimistic.Begin(&s.prefs, clonePreferences)
	if err := tx.Apply(fn); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrap(err, rbErr.Error())
		}
		return err
	}
	return tx.Commit()
}

// SaveFilter stores q under name after validating it.
func (s *Store) SaveFilter(name string, q service.TaskQuery) error {
	if name == "" {
		return &service.ValidationError{Field: "name", Reason: "is required"}
	}
	if _, err := q.Normalize(service.DefaultPageSize); err != nil {
		return err
	}
	return s.Update(func(p *Preferences) error {
		p.SavedFilters[name] = q
		return nil
	})
}

func (s *Store) DeleteFilter(name string) error {
	return s.Update(func(p *Preferences) error {
		if _, ok := p.SavedFilters[name]; !ok {
			return fmt.Errorf("no saved filter named %q", name)
		}
		delete(p.SavedFilters, name)
		return nil
	})
}

func (s *Store) Filter(name string) (service.TaskQuery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.prefs.SavedFilters[name]
	return q, ok
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".preferences-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
