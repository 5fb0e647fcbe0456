package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yllada/ocvpn/common"
)

// SecretCipher encrypts and decrypts individual secret fields.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encoded string) (string, error)
}

// document is the on-disk layout.
type document struct {
	Default *string          `json:"default"`
	Servers []*ServerProfile `json:"servers"`
}

// Store persists server profiles to a single JSON file. The file is the
// source of truth: every operation re-reads it, and every mutation writes
// the whole document back.
type Store struct {
	mu          sync.Mutex
	path        string
	cipher      SecretCipher
	defaultName string
	servers     map[string]*ServerProfile
}

// DefaultPath returns the per-user store location.
func DefaultPath() (string, error) {
	return common.ConfigPath(common.StoreFileName)
}

// Open loads the store at path, creating an empty document if needed.
func Open(path string, cipher SecretCipher) (*Store, error) {
	s := &Store{
		path:    path,
		cipher:  cipher,
		servers: make(map[string]*ServerProfile),
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load re-reads the document from disk.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Save writes the in-memory state to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

func (s *Store) readLocked() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.defaultName = ""
		s.servers = make(map[string]*ServerProfile)
		return s.writeLocked()
	}
	if err != nil {
		return common.KindError(common.ErrStore, fmt.Errorf("read %s: %w", s.path, err))
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return common.KindError(common.ErrStore, fmt.Errorf("parse %s: %w", s.path, err))
	}

	servers := make(map[string]*ServerProfile, len(doc.Servers))
	for _, p := range doc.Servers {
		if p == nil {
			continue
		}
		if _, dup := servers[p.Name]; dup {
			return common.KindError(common.ErrStore,
				fmt.Errorf("%w: %q appears more than once in %s", common.ErrDuplicateName, p.Name, s.path))
		}
		servers[p.Name] = p
	}

	s.servers = servers
	s.defaultName = ""
	if doc.Default != nil {
		s.defaultName = *doc.Default
		if _, ok := servers[s.defaultName]; !ok {
			common.LogWarn("Default profile %q is not in the store", s.defaultName)
		}
	}
	return nil
}

// writeLocked replaces the file atomically with the full document.
func (s *Store) writeLocked() error {
	doc := document{Servers: make([]*ServerProfile, 0, len(s.servers))}
	if s.defaultName != "" {
		name := s.defaultName
		doc.Default = &name
	}
	for _, p := range s.servers {
		doc.Servers = append(doc.Servers, p)
	}
	sort.Slice(doc.Servers, func(i, j int) bool {
		return doc.Servers[i].Name < doc.Servers[j].Name
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return common.KindError(common.ErrStore, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return common.KindError(common.ErrStore, fmt.Errorf("create %s: %w", dir, err))
	}

	tmp, err := os.CreateTemp(dir, ".servers-*.json")
	if err != nil {
		return common.KindError(common.ErrStore, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return common.KindError(common.ErrStore, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return common.KindError(common.ErrStore, err)
	}
	if err := tmp.Close(); err != nil {
		return common.KindError(common.ErrStore, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return common.KindError(common.ErrStore, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return common.KindError(common.ErrStore, fmt.Errorf("replace %s: %w", s.path, err))
	}
	_ = common.ChownToInvoker(s.path)
	return nil
}

// Upsert validates p, stamps it, encrypts its password and stores it under
// its name, replacing any existing profile with that name.
func (s *Store) Upsert(p *ServerProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	stored := p.Clone()
	now := time.Now().UTC().Truncate(time.Second)
	stored.UpdatedAt = &now
	if stored.AuthType == AuthPassword && stored.Password != "" {
		encrypted, err := s.cipher.Encrypt(stored.Password)
		if err != nil {
			return err
		}
		stored.Password = encrypted
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readLocked(); err != nil {
		return err
	}
	s.servers[stored.Name] = stored
	return s.writeLocked()
}

// Remove deletes a profile. The current default cannot be removed.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readLocked(); err != nil {
		return err
	}

	if s.defaultName != "" && name == s.defaultName {
		return common.KindError(common.ErrStore,
			fmt.Errorf("%w: %q is the default profile", common.ErrInvalidOperation, name))
	}
	if _, ok := s.servers[name]; !ok {
		return notFound(name)
	}
	delete(s.servers, name)
	return s.writeLocked()
}

// SetDefault marks an existing profile as the default.
func (s *Store) SetDefault(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readLocked(); err != nil {
		return err
	}

	if _, ok := s.servers[name]; !ok {
		return notFound(name)
	}
	s.defaultName = name
	return s.writeLocked()
}

// Get returns a decrypted copy of the named profile.
func (s *Store) Get(name string) (*ServerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readLocked(); err != nil {
		return nil, err
	}

	p, ok := s.servers[name]
	if !ok {
		return nil, notFound(name)
	}
	out := p.Clone()
	if out.AuthType == AuthPassword && out.Password != "" {
		plain, err := s.cipher.Decrypt(out.Password)
		if err != nil {
			return nil, fmt.Errorf("decrypt password of %q: %w", name, err)
		}
		out.Password = plain
	}
	return out, nil
}

// DefaultName returns the configured default profile name.
func (s *Store) DefaultName() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readLocked(); err != nil {
		return "", false
	}
	return s.defaultName, s.defaultName != ""
}

// Default returns the decrypted default profile.
func (s *Store) Default() (*ServerProfile, error) {
	name, ok := s.DefaultName()
	if !ok {
		return nil, common.KindError(common.ErrStore,
			fmt.Errorf("%w: no default profile configured", common.ErrProfileNotFound))
	}
	return s.Get(name)
}

// List returns every profile sorted by name, with secrets removed.
func (s *Store) List() ([]*ServerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readLocked(); err != nil {
		return nil, err
	}

	out := make([]*ServerProfile, 0, len(s.servers))
	for _, p := range s.servers {
		c := p.Clone()
		c.Password = ""
		c.ClientSecret = ""
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Export returns the shareable encoding of the named profile.
func (s *Store) Export(name string) (string, error) {
	p, err := s.Get(name)
	if err != nil {
		return "", err
	}
	return p.Export()
}

// Import decodes a shared profile and upserts it.
func (s *Store) Import(blob string) (*ServerProfile, error) {
	p, err := ImportProfile(blob)
	if err != nil {
		return nil, err
	}
	if err := s.Upsert(p); err != nil {
		return nil, err
	}
	return p, nil
}

func notFound(name string) error {
	return common.KindError(common.ErrStore, fmt.Errorf("%w: %q", common.ErrProfileNotFound, name))
}
