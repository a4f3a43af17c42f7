// Package flood limits how often a single client may hit an endpoint.
package flood

import (
	"sync"
	"time"
)

const (
	// windowDuration is the sliding window the limit applies to.
	windowDuration  = 60 * time.Second
	cleanupInterval = 10 * time.Minute
	// idleTimeout is how long an inactive client is remembered.
	idleTimeout     = 10 * time.Minute
)

// Floodgate allows at most limitPerMinute requests per client key within a
// sliding one-minute window.
type Floodgate struct {
	limitPerMinute int
	now            func() time.Time
	entries        map[string]*clientEntry
	mutex          sync.Mutex
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

type clientEntry struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// New creates a Floodgate and starts its idle-entry cleanup.
func New(limitPerMinute int) *Floodgate {
	fg := newFloodgate(limitPerMinute, time.Now)
	go fg.cleanup()
	return fg
}

func newFloodgate(limitPerMinute int, now func() time.Time) *Floodgate {
	return &Floodgate{
		limitPerMinute: limitPerMinute,
		now:            now,
		entries:        make(map[string]*clientEntry),
		stopCleanup:    make(chan struct{}),
	}
}

func (fg *Floodgate) Stop() {
	fg.stopOnce.Do(func() { close(fg.stopCleanup) })
}

// Allow records a request from key and reports whether it is within the limit.
// Rejected requests do not count against the window.
func (fg *Floodgate) Allow(key string) bool {
	now := fg.now()

	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	entry, exists := fg.entries[key]
	if !exists {
		entry = &clientEntry{timestamps: make([]time.Time, 0, fg.limitPerMinute+1)}
		fg.entries[key] = entry
	}
	entry.lastSeen = now

	windowStart := now.Add(-windowDuration)
	valid := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	entry.timestamps = valid

	if len(entry.timestamps) >= fg.limitPerMinute {
		return false
	}
	entry.timestamps = append(entry.timestamps, now)
	return true
}

// RetryAfter reports how long key must wait before its next request is allowed.
func (fg *Floodgate) RetryAfter(key string) time.Duration {
	now := fg.now()

	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	entry, ok := fg.entries[key]
	if !ok || len(entry.timestamps) < fg.limitPerMinute || len(entry.timestamps) == 0 {
		return 0
	}
	wait := entry.timestamps[0].Add(windowDuration).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func (fg *Floodgate) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fg.performCleanup()
		case <-fg.stopCleanup:
			return
		}
	}
}

// performCleanup forgets clients idle for longer than idleTimeout.
func (fg *Floodgate) performCleanup() {
	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	cutoff := fg.now().Add(-idleTimeout)
	for key, entry := range fg.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(fg.entries, key)
		}
	}
}

func (fg *Floodgate) GetStats() Stats {
	fg.mutex.Lock()
	defer fg.mutex.Unlock()

	return Stats{
		ActiveClients:  len(fg.entries),
		LimitPerMinute: fg.limitPerMinute,
		WindowSeconds:  int(windowDuration.Seconds()),
	}
}

type Stats struct {
	ActiveClients  int `json:"active_clients"`
	LimitPerMinute int `json:"limit_per_minute"`
	WindowSeconds  int `json:"window_seconds"`
}
