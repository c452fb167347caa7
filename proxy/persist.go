package proxy

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const persistDebounce = 500 * time.Millisecond

// FileStore persists mutable registry state as pretty-printed JSON files
// with debounced write-behind. Registries register a snapshot function per
// file and call MarkDirty after every mutation; the store coalesces writes
// and rewrites the whole file after a quiet period. Write errors are logged
// and swallowed, they never fail the mutating caller.
type FileStore struct {
	dir    string
	logger *LogMonitor

	mu        sync.Mutex
	snapshots map[string]func() interface{}
	debounced map[string]*debouncer
}

func NewFileStore(dir string, logger *LogMonitor) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{
		dir:       dir,
		logger:    logger,
		snapshots: make(map[string]func() interface{}),
		debounced: make(map[string]*debouncer),
	}, nil
}

// Register binds a file name (e.g. "keys.json") to a snapshot provider.
// The provider must return a value safe to marshal without further locking.
func (s *FileStore) Register(name string, snapshot func() interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[name] = snapshot
	s.debounced[name] = newDebouncer(persistDebounce, func() {
		s.write(name)
	})
}

// MarkDirty schedules a debounced rewrite of the named file.
func (s *FileStore) MarkDirty(name string) {
	s.mu.Lock()
	d := s.debounced[name]
	s.mu.Unlock()
	if d != nil {
		d.trigger()
	}
}

// Flush forces all pending writes synchronously. Called on shutdown.
func (s *FileStore) Flush() {
	s.mu.Lock()
	all := make([]*debouncer, 0, len(s.debounced))
	for _, d := range s.debounced {
		all = append(all, d)
	}
	s.mu.Unlock()
	for _, d := range all {
		d.flush()
	}
}

// Load reads the named file into v. A missing file is not an error and
// leaves v untouched; ok reports whether the file existed.
func (s *FileStore) Load(name string, v interface{}) (ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) write(name string) {
	s.mu.Lock()
	snapshot := s.snapshots[name]
	s.mu.Unlock()
	if snapshot == nil {
		return
	}

	data, err := json.MarshalIndent(snapshot(), "", "  ")
	if err != nil {
		s.logger.Errorf("persist: marshal %s: %v", name, err)
		return
	}
	data = append(data, '\n')

	// whole-file rewrite via temp+rename so readers never see a torn file
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Errorf("persist: write %s: %v", name, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Errorf("persist: rename %s: %v", name, err)
	}
}
