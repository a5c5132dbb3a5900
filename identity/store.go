package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrKeyNotFound = errors.New("key not found")

// KeyStore persists the private key under a stable service/account pair,
// the same addressing platform keychains use.
type KeyStore interface {
	Load(service, account string) ([]byte, error)
	Save(service, account string, key []byte) error
}

// FileKeyStore keeps keys at Dir/<service>/<account>.key. Directories are
// created 0700 and key files written 0600.
type FileKeyStore struct {
	Dir string
}

func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{Dir: dir}
}

func (s *FileKeyStore) path(service, account string) (string, error) {
	for _, part := range []string{service, account} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid key store name %q", part)
		}
	}
	return filepath.Join(s.Dir, service, account+".key"), nil
}

func (s *FileKeyStore) Load(service, account string) ([]byte, error) {
	path, err := s.path(service, account)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	return key, nil
}

func (s *FileKeyStore) Save(service, account string, key []byte) error {
	path, err := s.path(service, account)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, key, 0600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing key: %w", err)
	}
	return nil
}

// MemoryKeyStore is a process-local KeyStore for tests and throwaway runs.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

func (s *MemoryKeyStore) Load(service, account string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[service+"/"+account]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), key...), nil
}

func (s *MemoryKeyStore) Save(service, account string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[service+"/"+account] = append([]byte(nil), key...)
	return nil
}
