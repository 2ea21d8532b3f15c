// Package session implements session memory (C6): a bounded, TTL'd
// store the contextual and semantic layers use to remember per-session
// facts (last tool called, resource read counts, chaining history)
// across requests.
package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
)

// Entry is one session's recorded state. Data is opaque to the store;
// callers own its shape.
type Entry struct {
	Key        string
	Data       map[string]interface{}
	LastAccess time.Time
}

type node struct {
	key     string
	entry   *Entry
	expires time.Time
}

// Store is an LRU cache with a TTL: a fixed capacity (maxEntries)
// beyond which the least-recently-used session is evicted, plus a
// wall-clock TTL independent of use order.
type Store struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	order      *list.List
	index      map[string]*list.Element
}

// New builds a session store. maxEntries<=0 defaults to 5000; ttl<=0
// defaults to 30 minutes.
func New(maxEntries int, ttl time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
}

// Get returns the entry for key, promoting it to most-recently-used. A
// TTL-expired entry is treated as absent and evicted.
func (s *Store) Get(key string, now time.Time) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[key]
	if !ok {
		return nil, false
	}
	n := el.Value.(*node)
	if now.After(n.expires) {
		s.order.Remove(el)
		delete(s.index, key)
		metrics.RecordSessionExpired()
		metrics.DecrementActiveSessions()
		return nil, false
	}
	s.order.MoveToFront(el)
	n.entry.LastAccess = now
	return n.entry, true
}

// Set inserts or replaces the entry for key, refreshing its TTL and
// LRU position. If the store is at capacity and key is new, the
// least-recently-used entry is evicted first.
func (s *Store) Set(key string, data map[string]interface{}, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{Key: key, Data: data, LastAccess: now}

	if el, ok := s.index[key]; ok {
		el.Value.(*node).entry = entry
		el.Value.(*node).expires = now.Add(s.ttl)
		s.order.MoveToFront(el)
		return
	}

	if s.order.Len() >= s.maxEntries {
		back := s.order.Back()
		if back != nil {
			s.order.Remove(back)
			delete(s.index, back.Value.(*node).key)
			metrics.DecrementActiveSessions()
		}
	}

	n := &node{key: key, entry: entry, expires: now.Add(s.ttl)}
	el := s.order.PushFront(n)
	s.index[key] = el
	metrics.IncrementActiveSessions()
}

// Delete removes key unconditionally.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[key]; ok {
		s.order.Remove(el)
		delete(s.index, key)
		metrics.DecrementActiveSessions()
	}
}

// Cleanup walks the store from least- to most-recently-used, evicting
// every TTL-expired entry. It stops at the first non-expired entry
// since entries are touched (and thus re-ordered to the front) on
// every Set, making the back of the list monotonically the oldest.
func (s *Store) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for {
		back := s.order.Back()
		if back == nil {
			break
		}
		n := back.Value.(*node)
		if now.After(n.expires) {
			s.order.Remove(back)
			delete(s.index, n.key)
			metrics.RecordSessionExpired()
			metrics.DecrementActiveSessions()
			removed++
			continue
		}
		break
	}
	return removed
}

// Len reports the current number of live entries, including any not
// yet reclaimed by Cleanup.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
