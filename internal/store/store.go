package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/23skdu/longbow-descent/internal/sgd"
	"github.com/23skdu/longbow-descent/internal/tensor"
)

var (
	ErrNotFound    = errors.New("parameter not found")
	ErrExists      = errors.New("parameter already registered")
	ErrInvalidName = errors.New("invalid parameter name")
)

// Store holds named parameters and serializes the in-place updates applied
// to each of them. Updates to different parameters run concurrently.
type Store struct {
	engine *sgd.Engine

	mu     sync.RWMutex
	params map[string]*entry
}

type entry struct {
	mu sync.Mutex
	v  tensor.Variable
}

func New(engine *sgd.Engine) *Store {
	return &Store{
		engine: engine,
		params: make(map[string]*entry),
	}
}

// CanonicalName NFC-normalizes name, drops control characters and trims
// surrounding space so that the same parameter sent by different clients
// resolves to one key.
func CanonicalName(name string) (string, error) {
	t := transform.Chain(norm.NFC, runes.Remove(runes.In(unicode.Cc)))
	out, _, err := transform.String(t, name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	return out, nil
}

// Register adds a parameter. The store takes ownership of v.
func (s *Store) Register(name string, v tensor.Variable) error {
	key, err := CanonicalName(name)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("register %q: nil parameter", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.params[key]; ok {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	s.params[key] = &entry{v: v}
	log.Debug().Str("param", key).Str("kind", v.Kind().String()).Msg("Registered parameter")
	return nil
}

func (s *Store) lookup(name string) (*entry, string, error) {
	key, err := CanonicalName(name)
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.params[key]
	if !ok {
		return nil, key, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return e, key, nil
}

// Apply runs one in-place SGD step on the named parameter.
func (s *Store) Apply(name string, grad tensor.Variable, lr *tensor.Dense) error {
	e, key, err := s.lookup(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.engine.Update(e.v, grad, lr); err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

// Materialize makes rows present in a SparseRows parameter, appending zeroed
// rows for the missing ones. It returns how many rows were added.
func (s *Store) Materialize(name string, rows []int64) (int, error) {
	e, key, err := s.lookup(name)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sp, ok := e.v.(*tensor.SparseRows)
	if !ok {
		return 0, fmt.Errorf("materialize %s: parameter is %s, not SparseRows", key, e.v.Kind())
	}
	before := sp.Len()
	for _, r := range rows {
		if _, err := sp.Grow(r); err != nil {
			return sp.Len() - before, fmt.Errorf("materialize %s: %w", key, err)
		}
	}
	return sp.Len() - before, nil
}

// View calls fn with the named parameter while no update can run on it.
// fn must not retain v.
func (s *Store) View(name string, fn func(v tensor.Variable) error) error {
	e, _, err := s.lookup(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.v)
}

// Names returns the registered names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.params))
	for k := range s.params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.params)
}
