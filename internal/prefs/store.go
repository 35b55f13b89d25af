// Package prefs persists per-origin timezone preferences and user settings
// in a single YAML file.
package prefs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/tz_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/tz_agent/internal/types"
	"github.com/dgnsrekt/tz_agent/internal/tzdb"
)

const (
	TimeFormat12 = "12"
	TimeFormat24 = "24"
)

// Settings are the global user options.
type Settings struct {
	DefaultTimezone string `yaml:"default_timezone,omitempty" json:"default_timezone"`
	TimeFormat      string `yaml:"time_format,omitempty" json:"time_format"`
}

type document struct {
	Sites     map[string]string `yaml:"sites"`
	Favorites []string          `yaml:"favorite_timezones,omitempty"`
	Settings  `yaml:",inline"`
}

// Store is safe for concurrent use. Every mutation is written through to
// disk before it returns.
type Store struct {
	path string
	mu   sync.RWMutex
	doc  document
}

// Open loads path, creating parent directories as needed. A missing file
// is an empty store.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prefs store: mkdir %s: %w", dir, err)
		}
	}
	s := &Store{path: path, doc: document{Sites: map[string]string{}}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("prefs store: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("prefs store: parse %s: %w", path, err)
	}
	if s.doc.Sites == nil {
		s.doc.Sites = map[string]string{}
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Get returns the timezone stored for origin.
func (s *Store) Get(_ context.Context, origin string) (string, bool, error) {
	key, err := normalizeOrigin(origin)
	if err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tz, ok := s.doc.Sites[key]
	return tz, ok, nil
}

// Set stores timezoneID for origin and returns the normalized origin.
func (s *Store) Set(_ context.Context, origin, timezoneID string) (string, error) {
	key, err := normalizeOrigin(origin)
	if err != nil {
		return "", err
	}
	timezoneID = strings.TrimSpace(timezoneID)
	if !tzdb.Valid(timezoneID) {
		return "", cdpcontrol.NewError(cdpcontrol.CodeValidation, fmt.Sprintf("unknown timezone %q", timezoneID), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.doc.Sites[key]
	s.doc.Sites[key] = timezoneID
	if err := s.saveLocked(); err != nil {
		if had {
			s.doc.Sites[key] = prev
		} else {
			delete(s.doc.Sites, key)
		}
		return "", err
	}
	return key, nil
}

// Remove deletes the preference for origin.
func (s *Store) Remove(_ context.Context, origin string) (string, error) {
	key, err := normalizeOrigin(origin)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.doc.Sites[key]
	if !ok {
		return "", cdpcontrol.NewError(cdpcontrol.CodePreferenceNotFound, "no preference for "+key, nil)
	}
	delete(s.doc.Sites, key)
	if err := s.saveLocked(); err != nil {
		s.doc.Sites[key] = prev
		return "", err
	}
	return key, nil
}

// GetAll returns a copy of every site preference.
func (s *Store) GetAll(_ context.Context) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.doc.Sites))
	for k, v := range s.doc.Sites {
		out[k] = v
	}
	return out
}

// DefaultTimezone returns the configured default, if any.
func (s *Store) DefaultTimezone(_ context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tz := s.doc.DefaultTimezone
	return tz, tz != "", nil
}

func (s *Store) Favorites(_ context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.doc.Favorites...)
}

// ToggleFavorite adds or removes timezoneID from the favorites list and
// reports whether it is now a favorite. The list is kept sorted.
func (s *Store) ToggleFavorite(_ context.Context, timezoneID string) ([]string, bool, error) {
	timezoneID = strings.TrimSpace(timezoneID)
	if !tzdb.Valid(timezoneID) {
		return nil, false, cdpcontrol.NewError(cdpcontrol.CodeValidation, fmt.Sprintf("unknown timezone %q", timezoneID), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.doc.Favorites
	next := make([]string, 0, len(prev)+1)
	added := true
	for _, f := range prev {
		if f == timezoneID {
			added = false
			continue
		}
		next = append(next, f)
	}
	if added {
		next = append(next, timezoneID)
	}
	sort.Strings(next)

	s.doc.Favorites = next
	if err := s.saveLocked(); err != nil {
		s.doc.Favorites = prev
		return nil, false, err
	}
	return append([]string(nil), next...), added, nil
}

func (s *Store) Settings(_ context.Context) Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.doc.Settings
	if out.TimeFormat == "" {
		out.TimeFormat = TimeFormat24
	}
	return out
}

// SetSettings replaces the non-empty fields of in.
func (s *Store) SetSettings(_ context.Context, in Settings) (Settings, error) {
	in.DefaultTimezone = strings.TrimSpace(in.DefaultTimezone)
	in.TimeFormat = strings.TrimSpace(in.TimeFormat)
	if in.DefaultTimezone != "" && !tzdb.Valid(in.DefaultTimezone) {
		return Settings{}, cdpcontrol.NewError(cdpcontrol.CodeValidation, fmt.Sprintf("unknown timezone %q", in.DefaultTimezone), nil)
	}
	if in.TimeFormat != "" && in.TimeFormat != TimeFormat12 && in.TimeFormat != TimeFormat24 {
		return Settings{}, cdpcontrol.NewError(cdpcontrol.CodeValidation, `time_format must be "12" or "24"`, nil)
	}

	s.mu.Lock()
	prev := s.doc.Settings
	if in.DefaultTimezone != "" {
		s.doc.DefaultTimezone = in.DefaultTimezone
	}
	if in.TimeFormat != "" {
		s.doc.TimeFormat = in.TimeFormat
	}
	if err := s.saveLocked(); err != nil {
		s.doc.Settings = prev
		s.mu.Unlock()
		return Settings{}, err
	}
	s.mu.Unlock()
	return s.Settings(context.Background()), nil
}

func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("prefs store: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("prefs store: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("prefs store: rename: %w", err)
	}
	return nil
}

func normalizeOrigin(origin string) (string, error) {
	key, ok := types.OriginOf(strings.TrimSpace(origin))
	if !ok {
		return "", cdpcontrol.NewError(cdpcontrol.CodeValidation, fmt.Sprintf("origin must be an http(s) URL, got %q", origin), nil)
	}
	return key, nil
}
