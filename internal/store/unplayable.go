// Package store remembers track URIs the playback device has rejected as
// unavailable, so re-queued copies are flagged before they are ever played.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// UnplayableSet is a bounded, thread-safe set of track URIs. The bloom filter
// short-circuits the common negative lookup; the LRU bounds memory by evicting
// the least recently flagged URI.
type UnplayableSet struct {
	uris              map[string]struct{}
	bloom             *bloom.BloomFilter
	lru               *lru.Cache[string, struct{}]
	mutex             sync.RWMutex
	maxURIs           int
	falsePositiveRate float64
}

// NewUnplayableSet creates a set holding at most maxURIs entries.
func NewUnplayableSet(maxURIs int, falsePositiveRate float64) *UnplayableSet {
	if maxURIs <= 0 || maxURIs > int(^uint(0)>>1) {
		panic("maxURIs value out of range for uint conversion")
	}
	s := &UnplayableSet{
		uris:              make(map[string]struct{}),
		bloom:             bloom.NewWithEstimates(uint(maxURIs), falsePositiveRate),
		maxURIs:           maxURIs,
		falsePositiveRate: falsePositiveRate,
	}
	// Called with s.mutex held by the mutating method.
	s.lru, _ = lru.NewWithEvict[string, struct{}](maxURIs, func(uri string, _ struct{}) {
		delete(s.uris, uri)
	})
	return s
}

// Has reports whether uri was flagged unplayable.
func (s *UnplayableSet) Has(uri string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.bloom.TestString(uri) {
		return false
	}

	_, exists := s.uris[uri]
	return exists
}

// Add flags uri. It reports whether the set changed.
func (s *UnplayableSet) Add(uri string) bool {
	if uri == "" {
		return false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.uris[uri]; exists {
		s.lru.Get(uri)
		return false
	}

	s.uris[uri] = struct{}{}
	s.bloom.AddString(uri)
	s.lru.Add(uri, struct{}{})
	return true
}

// Remove unflags uri. The bloom filter keeps the bit, so Has falls through to the map.
func (s *UnplayableSet) Remove(uri string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.uris[uri]; !exists {
		return
	}

	s.lru.Remove(uri)
}

// Load replaces the contents with uris, oldest first.
func (s *UnplayableSet) Load(uris []string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.clear()

	for _, uri := range uris {
		if uri != "" {
			s.uris[uri] = struct{}{}
			s.bloom.AddString(uri)
			s.lru.Add(uri, struct{}{})
		}
	}
}

// URIs returns the flagged URIs, least recently flagged first, in a form Load accepts.
func (s *UnplayableSet) URIs() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lru.Keys()
}

// Size returns the number of flagged URIs.
func (s *UnplayableSet) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.uris)
}

// Clear removes every URI.
func (s *UnplayableSet) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clear()
}

func (s *UnplayableSet) clear() {
	s.uris = make(map[string]struct{})
	s.bloom = bloom.NewWithEstimates(uint(s.maxURIs), s.falsePositiveRate)
	s.lru.Purge()
}
