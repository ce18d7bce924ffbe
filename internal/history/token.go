package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// TokenStore persists resume tokens by key.
type TokenStore interface {
	// Load returns the token stored under key, or zero.
	Load(ctx context.Context, key string) (Token, error)

	// Update reads the token under key, passes it to fn and stores the
	// result. Calls for the same key are serialized. When fn returns an
	// error nothing is written and the error is returned.
	Update(ctx context.Context, key string, fn func(current Token) (Token, error)) error

	// All returns a copy of every stored token.
	All(ctx context.Context) (map[string]Token, error)
}

// keyLocks hands out one mutex per key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// tokenFile is the on-disk layout of FileTokenStore.
type tokenFile struct {
	UpdatedAt time.Time        `toml:"updated_at"`
	Tokens    map[string]Token `toml:"tokens"`
}

// FileTokenStore keeps tokens in a TOML file.
type FileTokenStore struct {
	path string
	keys keyLocks

	mu     sync.Mutex
	tokens map[string]Token
}

// OpenFileTokenStore loads the token file at path. A missing file is an
// empty store; it is created on the first Update.
func OpenFileTokenStore(path string) (*FileTokenStore, error) {
	s := &FileTokenStore{
		path:   path,
		tokens: make(map[string]Token),
	}

	var f tokenFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read token file %s: %w", path, err)
		}
	}
	for k, v := range f.Tokens {
		s.tokens[k] = v
	}
	return s, nil
}

// Path returns the token file location.
func (s *FileTokenStore) Path() string {
	return s.path
}

// Load implements TokenStore.
func (s *FileTokenStore) Load(ctx context.Context, key string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[key], nil
}

// Update implements TokenStore.
func (s *FileTokenStore) Update(ctx context.Context, key string, fn func(Token) (Token, error)) error {
	unlock := s.keys.lock(key)
	defer unlock()

	current, err := s.Load(ctx, key)
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == current {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := make(map[string]Token, len(s.tokens)+1)
	for k, v := range s.tokens {
		tokens[k] = v
	}
	tokens[key] = next

	if err := s.write(tokens); err != nil {
		return err
	}
	s.tokens = tokens
	return nil
}

// All implements TokenStore.
func (s *FileTokenStore) All(ctx context.Context) (map[string]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Token, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out, nil
}

// write replaces the token file through a temp file and rename.
func (s *FileTokenStore) write(tokens map[string]Token) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(tokenFile{UpdatedAt: time.Now().UTC(), Tokens: tokens}); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// MemoryTokenStore is a TokenStore that forgets everything on exit.
type MemoryTokenStore struct {
	keys keyLocks

	mu     sync.Mutex
	tokens map[string]Token
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]Token)}
}

// Load implements TokenStore.
func (s *MemoryTokenStore) Load(ctx context.Context, key string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[key], nil
}

// Update implements TokenStore.
func (s *MemoryTokenStore) Update(ctx context.Context, key string, fn func(Token) (Token, error)) error {
	unlock := s.keys.lock(key)
	defer unlock()

	current, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tokens[key] = next
	s.mu.Unlock()
	return nil
}

// All implements TokenStore.
func (s *MemoryTokenStore) All(ctx context.Context) (map[string]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Token, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out, nil
}

// SortedKeys returns the keys of tokens in lexical order.
func SortedKeys(tokens map[string]Token) []string {
	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
