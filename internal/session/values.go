// Package session
// Author: momentics <momentics@gmail.com>
//
// Thread-safe key/value store attached to every connection.

package session

import (
	"sync"
	"time"
)

type entry struct {
	val    any
	expiry time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Values holds application state for the lifetime of a connection.
type Values struct {
	mu    sync.RWMutex
	store map[string]entry
}

// NewValues creates an empty store.
func NewValues() *Values {
	return &Values{store: make(map[string]entry)}
}

// Set stores a key-value pair, clearing any expiration.
func (v *Values) Set(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.store[key] = entry{val: value}
}

// Get retrieves a value and its existence.
func (v *Values) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.store[key]
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e.val, true
}

// Delete removes a key.
func (v *Values) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.store, key)
}

// WithExpiration sets a TTL for an existing key.
func (v *Values) WithExpiration(key string, ttl time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.store[key]; ok {
		e.expiry = time.Now().Add(ttl)
		v.store[key] = e
	}
}

// Keys returns all unexpired keys.
func (v *Values) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	now := time.Now()
	keys := make([]string, 0, len(v.store))
	for k, e := range v.store {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clear drops every key.
func (v *Values) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.store)
}
