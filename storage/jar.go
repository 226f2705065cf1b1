// Package storage holds the client-side state a tracker persists between page loads:
// long-lived cookies and session-scoped storage.
package storage

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidName is returned when a cookie or item name is empty.
var ErrInvalidName = errors.New("storage: empty name")

// Jar is a name/value store with optional expiry. A zero ttl means the value lives as long as
// the jar itself (a session cookie, or a session-storage item).
type Jar interface {
	Get(name string) (string, bool)
	Set(name, value string, ttl time.Duration) error
	Delete(name string) error
}

type entry struct {
	value   string
	expires time.Time
}

// MemoryJar is an in-process Jar. It serves as session storage, and as a cookie jar in tests.
type MemoryJar struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryJar() *MemoryJar {
	return &MemoryJar{entries: make(map[string]entry), now: time.Now}
}

func (j *MemoryJar) Get(name string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	e, ok := j.entries[name]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !j.now().Before(e.expires) {
		return "", false
	}
	return e.value, true
}

func (j *MemoryJar) Set(name, value string, ttl time.Duration) error {
	if name == "" {
		return ErrInvalidName
	}
	var expires time.Time
	if ttl > 0 {
		expires = j.now().Add(ttl)
	}

	j.mu.Lock()
	j.entries[name] = entry{value: value, expires: expires}
	j.mu.Unlock()
	return nil
}

func (j *MemoryJar) Delete(name string) error {
	j.mu.Lock()
	delete(j.entries, name)
	j.mu.Unlock()
	return nil
}
