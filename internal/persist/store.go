// Package persist is a small file-backed key/value store. One JSON value per
// key, written atomically. Reads and writes never panic; callers that need
// fail-soft semantics check the returned error and fall back to empty values.
package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/pslog"
)

// Store persists values under a state directory, one file per key.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads and decodes the value stored under key into out. The second
// return is false when the key has never been written.
func (s *Store) Load(key string, out any) (bool, error) {
	path := s.pathForKey(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if s.log != nil {
			s.log.Warn("kv load failed", "key", key, "err", err)
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		if s.log != nil {
			s.log.Warn("kv load corrupt", "key", key, "err", err)
		}
		return false, err
	}
	return true, nil
}

// Save encodes value as JSON and writes it atomically under key.
func (s *Store) Save(key string, value any) error {
	path := s.pathForKey(key)
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("kv save failed", "key", key, "err", err)
		}
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "kv-*.json")
	if err != nil {
		if s.log != nil {
			s.log.Warn("kv save failed", "key", key, "err", err)
		}
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("kv save failed", "key", key, "err", err)
		}
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("kv save failed", "key", key, "err", err)
		}
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("kv save failed", "key", key, "err", err)
		}
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		if s.log != nil {
			s.log.Warn("kv save failed", "key", key, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("kv save ok", "key", key, "bytes", len(data))
	}
	return nil
}

// Delete removes the value stored under key, if any.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.pathForKey(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("kv delete failed", "key", key, "err", err)
		}
		return err
	}
	return nil
}

func (s *Store) pathForKey(key string) string {
	name := sanitize(key)
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
