// Package ctrl handles the out-of-band control plane of a connection: it
// reads ring references, event channel and feature negotiation from a
// hierarchical key-value store, and applies device hotplug entries.
package ctrl

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrNoEntry  = errors.New("no such store entry")
	ErrBadValue = errors.New("malformed store value")
)

// Store is a hierarchical key-value store with '/' separated paths
type Store interface {
	Read(p string) (string, error)
	Write(p, value string) error
	// List returns the names of p's direct children
	List(p string) ([]string, error)
	// Remove deletes p and everything below it
	Remove(p string) error
}

// Watcher is implemented by stores that report changes
type Watcher interface {
	// Watch delivers the path of every write or removal under prefix. The
	// returned function cancels the watch.
	Watch(prefix string) (<-chan string, func())
}

// MemStore is an in-memory Store
type MemStore struct {
	mu       sync.Mutex
	data     map[string]string
	watchers map[int]*watch
	nextID   int
}

type watch struct {
	prefix string
	ch     chan string
}

var (
	_ Store   = (*MemStore)(nil)
	_ Watcher = (*MemStore)(nil)
)

// NewMemStore returns an empty store
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string), watchers: make(map[int]*watch)}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func (s *MemStore) Read(p string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[clean(p)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoEntry, p)
	}
	return v, nil
}

func (s *MemStore) Write(p, value string) error {
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[p] = value
	s.notifyLocked(p)
	return nil
}

func (s *MemStore) List(p string) ([]string, error) {
	p = clean(p)
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for k := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		child, _, _ := strings.Cut(k[len(prefix):], "/")
		if child != "" {
			seen[child] = true
		}
	}
	if len(seen) == 0 {
		if _, ok := s.data[p]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoEntry, p)
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemStore) Remove(p string) error {
	p = clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for k := range s.data {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(s.data, k)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNoEntry, p)
	}
	s.notifyLocked(p)
	return nil
}

// Watch implements Watcher. Events are dropped for a watcher that is not
// keeping up; a watcher only needs to know that something changed.
func (s *MemStore) Watch(prefix string) (<-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	w := &watch{prefix: clean(prefix), ch: make(chan string, 16)}
	s.watchers[id] = w

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			close(w.ch)
		})
	}
}

// Watchers is the number of watches not yet cancelled
func (s *MemStore) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *MemStore) notifyLocked(p string) {
	for _, w := range s.watchers {
		if p == w.prefix || strings.HasPrefix(p, w.prefix+"/") || strings.HasPrefix(w.prefix, p+"/") {
			select {
			case w.ch <- p:
			default:
			}
		}
	}
}

// ReadUint reads an unsigned integer value
func ReadUint(s Store, p string, bits int) (uint64, error) {
	v, err := s.Read(p)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrBadValue, p, v)
	}
	return n, nil
}

// ReadUintDefault reads an unsigned integer, returning def when absent
func ReadUintDefault(s Store, p string, bits int, def uint64) (uint64, error) {
	n, err := ReadUint(s, p, bits)
	if errors.Is(err, ErrNoEntry) {
		return def, nil
	}
	return n, err
}

// WriteUint writes an unsigned integer value
func WriteUint(s Store, p string, v uint64) error {
	return s.Write(p, strconv.FormatUint(v, 10))
}
