package storage

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/lamim/ddreview/pkg/models"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateKey checks that an id is safe to use as a path segment.
// A rejected id is the caller's mistake, so the error wraps models.ErrBadRequest.
func ValidateKey(kind, id string) error {
	if !keyPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: invalid %s id %q", models.ErrBadRequest, kind, id)
	}
	return nil
}

// KeyedMutex serializes work per key while letting different keys proceed in parallel
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty keyed mutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key and returns its release function
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
