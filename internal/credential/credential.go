// Package credential resolves the API key used for every upstream request.
//
// A key comes from, in order: the config file, the GEMINI_API_KEY and
// GOOGLE_API_KEY environment variables, and optional .env files. When an
// interactive [Selector] is available and no key is selected yet, the
// [Manager] opens the selector once and then proceeds optimistically with
// whatever key the [Store] holds afterwards.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

var (
	// ErrNoCredential is returned when no API key could be found or selected.
	ErrNoCredential = errors.New("credential: no API key available")

	// ErrNoTerminal is returned by [TerminalSelector] when stdin is not a
	// terminal.
	ErrNoTerminal = errors.New("credential: stdin is not a terminal")
)

// EnvVars lists the environment variables consulted for a key, in order.
var EnvVars = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}

// Selector is an interactive key selection flow.
type Selector interface {
	// HasSelectedKey reports whether a key has been selected.
	HasSelectedKey(ctx context.Context) bool

	// OpenSelectionDialog asks the user for a key. It returns once the
	// dialog is closed; success does not guarantee a key was selected.
	OpenSelectionDialog(ctx context.Context) error
}

// Store holds the active key. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	key     string
	source  string
	version uint64
}

// NewStore returns a Store holding key.
func NewStore(key, source string) *Store {
	s := &Store{}
	if key != "" {
		s.Set(key, source)
	}
	return s
}

// Key returns the active key and where it came from.
func (s *Store) Key() (key, source string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, s.source
}

// Set replaces the active key. Surrounding whitespace is trimmed.
func (s *Store) Set(key, source string) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.key {
		return
	}
	s.key, s.source = key, source
	s.version++
}

// Version increments on every key change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Lookup resolves a key from the configured value, the environment and the
// given .env files. Missing files are skipped. The returned source is
// "config", "env:<NAME>" or "file:<path>"; both are empty when nothing was
// found.
func Lookup(configured string, envFiles ...string) (key, source string) {
	if k := strings.TrimSpace(configured); k != "" {
		return k, "config"
	}
	for _, name := range EnvVars {
		if k := strings.TrimSpace(os.Getenv(name)); k != "" {
			return k, "env:" + name
		}
	}
	for _, path := range envFiles {
		vals, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		for _, name := range EnvVars {
			if k := strings.TrimSpace(vals[name]); k != "" {
				return k, "file:" + path
			}
		}
	}
	return "", ""
}

// Manager hands out the key, running the selector when one is configured.
type Manager struct {
	store    *Store
	selector Selector
	log      *slog.Logger
}

// NewManager returns a Manager. selector may be nil.
func NewManager(store *Store, selector Selector, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, selector: selector, log: log}
}

// Store returns the underlying key store.
func (m *Manager) Store() *Store { return m.store }

// Key returns the key to use. A selector error is logged and the call
// proceeds with the stored key; only an empty store yields
// [ErrNoCredential].
func (m *Manager) Key(ctx context.Context) (string, error) {
	if m.selector != nil && !m.selector.HasSelectedKey(ctx) {
		if err := m.selector.OpenSelectionDialog(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			m.log.WarnContext(ctx, "credential: key selection failed, using configured key", "err", err)
		}
	}
	key, _ := m.store.Key()
	if key == "" {
		return "", ErrNoCredential
	}
	return key, nil
}

// Available reports whether a key is stored, without prompting.
func (m *Manager) Available() bool {
	key, _ := m.store.Key()
	return key != ""
}
