// File: internal/session/registry.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe session registry for high concurrency.

package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid"

	"github.com/momentics/hioload-eio/api"
)

// DefaultShardCount is used when NewRegistry gets a non-positive count.
const DefaultShardCount = 16

const maxIDAttempts = 8

// ErrRegistryClosed is returned by Create after CloseAll.
var ErrRegistryClosed = errors.New("session registry closed")

// Session is a registry entry.
type Session interface {
	ID() string
	Close() error
}

// Registry maps session ids to live sessions.
type Registry struct {
	shards []*shard
	mask   uint32
	newID  func() (string, error)
	closed atomic.Bool
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithIDGenerator replaces the default random id source.
func WithIDGenerator(fn func() (string, error)) RegistryOption {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry constructs a registry with shardCount shards, rounded up to a
// power of two.
func NewRegistry(shardCount int, opts ...RegistryOption) *Registry {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard, m)
	for i := range shards {
		shards[i] = &shard{sessions: make(map[string]Session)}
	}
	r := &Registry{shards: shards, mask: m - 1, newID: NewID}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewID returns 16 random bytes as unpadded base64url (22 characters).
func NewID() (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(u.Bytes()), nil
}

func (r *Registry) shard(id string) *shard {
	return r.shards[fnv32(id)&r.mask]
}

// Create generates a fresh id and stores the session built by factory.
// An id already in use is never handed out again; a fresh one is drawn.
// factory runs under the shard lock and must not call back into r.
func (r *Registry) Create(factory func(id string) (Session, error)) (Session, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		if r.closed.Load() {
			return nil, ErrRegistryClosed
		}
		id, err := r.newID()
		if err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
		sh := r.shard(id)
		sh.mu.Lock()
		if _, taken := sh.sessions[id]; taken {
			sh.mu.Unlock()
			continue
		}
		s, err := factory(id)
		if err != nil {
			sh.mu.Unlock()
			return nil, err
		}
		sh.sessions[id] = s
		sh.mu.Unlock()
		return s, nil
	}
	return nil, fmt.Errorf("session id: %w after %d attempts", api.ErrAlreadyExists, maxIDAttempts)
}

// Lookup fetches a live session.
func (r *Registry) Lookup(id string) (Session, error) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if s, ok := sh.sessions[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("session %q: %w", id, api.ErrNotFound)
}

// Remove drops id and reports whether it was present. The session itself is
// not closed; callers remove a session when it is already closing.
func (r *Registry) Remove(id string) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[id]; !ok {
		return false
	}
	delete(sh.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Range applies fn to a snapshot of all sessions until fn returns false.
func (r *Registry) Range(fn func(Session) bool) {
	for _, s := range r.snapshot() {
		if !fn(s) {
			return
		}
	}
}

// CloseAll rejects further creates, then closes and removes every session.
// Sessions are closed outside the shard locks so their close hooks may call
// Remove.
func (r *Registry) CloseAll() error {
	r.closed.Store(true)
	var errs []error
	for _, s := range r.snapshot() {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
		}
		r.Remove(s.ID())
	}
	return errors.Join(errs...)
}

func (r *Registry) snapshot() []Session {
	var all []Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			all = append(all, s)
		}
		sh.mu.RUnlock()
	}
	return all
}

// fnv32 hashes a string to uint32.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
