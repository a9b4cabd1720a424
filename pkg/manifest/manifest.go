// Package manifest maintains rev manifests: JSON files mapping original asset paths to their
// content-hashed counterparts.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Store is a rev manifest on disk. All operations re-read the file so that external
// deletions (i.e. a clean task) are picked up.
type Store struct {
	path string
	lock sync.Mutex
}

var (
	registry     = map[string]*Store{}
	registryLock sync.Mutex
)

// Open returns the shared store for the manifest at path. Pipes running in parallel that
// write into the same manifest receive the same store and merge their entries.
func Open(path string) *Store {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}

	registryLock.Lock()
	defer registryLock.Unlock()

	store, ok := registry[path]
	if !ok {
		store = &Store{path: path}
		registry[path] = store
	}
	return store
}

// Path returns the absolute location of the manifest file
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() (map[string]string, error) {
	entries := map[string]string{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, eris.Wrapf(err, "failed to read manifest %s", s.path)
	}

	if len(data) == 0 {
		return entries, nil
	}

	err = json.Unmarshal(data, &entries)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse manifest %s", s.path)
	}
	return entries, nil
}

func (s *Store) save(entries map[string]string) error {
	err := os.MkdirAll(filepath.Dir(s.path), 0755)
	if err != nil {
		return eris.Wrapf(err, "failed to create directory for %s", s.path)
	}

	// encoding/json sorts map keys which keeps the file stable between runs
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return eris.Wrap(err, "failed to encode manifest")
	}

	err = os.WriteFile(s.path, append(data, '\n'), 0644)
	if err != nil {
		return eris.Wrapf(err, "failed to write manifest %s", s.path)
	}
	return nil
}

// Entries returns a copy of the current manifest contents
func (s *Store) Entries() (map[string]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.load()
}

// Lookup returns the hashed path for original
func (s *Store) Lookup(original string) (string, bool, error) {
	entries, err := s.Entries()
	if err != nil {
		return "", false, err
	}

	value, ok := entries[original]
	return value, ok, nil
}

// Merge adds entries to the manifest and returns the previous values of all entries that
// changed.
func (s *Store) Merge(entries map[string]string) (map[string]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	current, err := s.load()
	if err != nil {
		return nil, err
	}

	replaced := map[string]string{}
	for key, value := range entries {
		old, ok := current[key]
		if ok && old != value {
			replaced[key] = old
		}
		current[key] = value
	}

	err = s.save(current)
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

// Keys returns the original paths in the manifest sorted by length (longest first) and then
// alphabetically. Replacing references in this order prevents short keys from clobbering
// longer keys that contain them.
func Keys(entries map[string]string) []string {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}
