package inbox

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const fileExt = ".json"

// Store keeps one JSON file per message in a directory. Writes go through
// a temp file and rename, so a crash never leaves a partial record and no
// write touches another message's file.
type Store struct {
	dir   string
	locks keyedMutex
}

// Open returns a Store rooted at dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory messages are stored in.
func (s *Store) Dir() string {
	return s.dir
}

func validID(id string) bool {
	if id == "" || len(id) > 128 || strings.HasPrefix(id, ".") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// Append persists m. An empty ID is filled with NewID. Append returns only
// once the record is on disk.
func (s *Store) Append(m *StoredMessage) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if !validID(m.ID) {
		return &StorageError{Op: "append", ID: m.ID, Err: errors.New("invalid message id")}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &StorageError{Op: "append", ID: m.ID, Err: err}
	}

	unlock := s.locks.lock(m.ID)
	defer unlock()

	if err := s.writeAtomic(m.ID, data); err != nil {
		return &StorageError{Op: "append", ID: m.ID, Err: err}
	}
	return nil
}

func (s *Store) writeAtomic(id string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+id+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(id))
}

// Get returns the message with id, or ErrNotFound.
func (s *Store) Get(id string) (*StoredMessage, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}

	unlock := s.locks.lock(id)
	defer unlock()

	return s.read(id)
}

func (s *Store) read(id string) (*StoredMessage, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "read", ID: id, Err: err}
	}

	var m StoredMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &StorageError{Op: "decode", ID: id, Err: err}
	}
	return &m, nil
}

// List returns every stored message, most recently received first.
// Unreadable records are logged and skipped.
func (s *Store) List() ([]*StoredMessage, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	msgs := make([]*StoredMessage, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(id)
		if errors.Is(err, ErrNotFound) {
			continue // deleted since ReadDir
		}
		if err != nil {
			slog.Warn("skipping unreadable inbox record", "message_id", id, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}

	slices.SortStableFunc(msgs, func(a, b *StoredMessage) int {
		if c := b.ReceivedAt.Compare(a.ReceivedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return msgs, nil
}

func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	return ids, nil
}

// Delete removes the message with id, or returns ErrNotFound.
func (s *Store) Delete(id string) error {
	if !validID(id) {
		return ErrNotFound
	}

	unlock := s.locks.lock(id)
	defer unlock()

	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return &StorageError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

// Clear removes every stored message and returns how many were removed.
func (s *Store) Clear() (int, error) {
	ids, err := s.ids()
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, id := range ids {
		err := s.Delete(id)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrNotFound):
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return n, fmt.Errorf("clearing inbox: %w", errors.Join(errs...))
	}
	return n, nil
}

// keyedMutex serializes operations on the same key only.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
