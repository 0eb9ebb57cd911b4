package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MemoryStore keeps records in memory. Records do not survive restarts.
type MemoryStore struct {
	mu       sync.Mutex
	meetings map[string]Meeting
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{meetings: make(map[string]Meeting)}
}

// Load implements Store.
func (s *MemoryStore) Load(context.Context) ([]Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedMeetings(s.meetings), nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, m Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m.clone()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meetings, id)
	return nil
}

// fileFormatVersion is bumped on incompatible changes to the file layout.
const fileFormatVersion = 1

type fileState struct {
	Version  int       `json:"version"`
	Meetings []Meeting `json:"meetings"`
}

// FileStore persists records as a JSON document. Writes go to a temporary
// file that is renamed over the target, so a crash never leaves a partial file.
type FileStore struct {
	mu       sync.Mutex
	path     string
	meetings map[string]Meeting
	loaded   bool
}

// NewFileStore returns a store backed by path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, meetings: make(map[string]Meeting)}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store. A missing file is an empty store.
func (s *FileStore) Load(context.Context) ([]Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.read(); err != nil {
		return nil, err
	}
	return sortedMeetings(s.meetings), nil
}

// Put implements Store.
func (s *FileStore) Put(_ context.Context, m Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := s.read(); err != nil {
			return err
		}
	}

	prev, existed := s.meetings[m.ID]
	s.meetings[m.ID] = m.clone()
	if err := s.write(); err != nil {
		if existed {
			s.meetings[m.ID] = prev
		} else {
			delete(s.meetings, m.ID)
		}
		return err
	}
	return nil
}

// Delete implements Store. Unknown ids are not an error.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := s.read(); err != nil {
			return err
		}
	}

	prev, existed := s.meetings[id]
	if !existed {
		return nil
	}
	delete(s.meetings, id)
	if err := s.write(); err != nil {
		s.meetings[id] = prev
		return err
	}
	return nil
}

func (s *FileStore) read() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.meetings = make(map[string]Meeting)
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if st.Version > fileFormatVersion {
		return fmt.Errorf("%s has unsupported version %d", s.path, st.Version)
	}
	meetings := make(map[string]Meeting, len(st.Meetings))
	for _, m := range st.Meetings {
		if m.ID == "" {
			return fmt.Errorf("%s contains a meeting without id", s.path)
		}
		meetings[m.ID] = m
	}
	s.meetings = meetings
	s.loaded = true
	return nil
}

func (s *FileStore) write() error {
	data, err := json.MarshalIndent(fileState{Version: fileFormatVersion, Meetings: sortedMeetings(s.meetings)}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode meetings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

func sortedMeetings(in map[string]Meeting) []Meeting {
	out := make([]Meeting, 0, len(in))
	for _, m := range in {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Store backends accepted by OpenStore.
const (
	StoreTypeFile   = "file"
	StoreTypeMemory = "memory"
	StoreTypeValkey = "valkey"
)

// StoreConfig selects and configures a store backend.
type StoreConfig struct {
	Type string
	// Dir holds one JSON file per account for the file backend.
	Dir    string
	Valkey ValkeyConfig
}

// OpenStore returns the configured store for account and a function that
// releases its resources.
func OpenStore(cfg StoreConfig, account string) (Store, func(), error) {
	noop := func() {}
	if account == "" {
		account = "default"
	}
	switch cfg.Type {
	case "", StoreTypeFile:
		return NewFileStore(filepath.Join(cfg.Dir, "meetings-"+account+".json")), noop, nil
	case StoreTypeMemory:
		return NewMemoryStore(), noop, nil
	case StoreTypeValkey:
		s, err := NewValkeyStore(cfg.Valkey, account)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
