package webhooks

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultDebounceWindow = 2 * time.Second
	defaultMaxEntries     = 4096
)

// SyncDebouncer collapses bursts of change notifications for one account into
// a single sync trigger per window.
type SyncDebouncer struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

type DebouncerOption func(*SyncDebouncer)

func WithDebounceWindow(window time.Duration) DebouncerOption {
	return func(d *SyncDebouncer) {
		if d == nil || window <= 0 {
			return
		}
		d.window = window
	}
}

func WithDebouncerClock(now func() time.Time) DebouncerOption {
	return func(d *SyncDebouncer) {
		if d == nil || now == nil {
			return
		}
		d.now = now
	}
}

func NewSyncDebouncer(opts ...DebouncerOption) *SyncDebouncer {
	debouncer := &SyncDebouncer{
		window:     DefaultDebounceWindow,
		maxEntries: defaultMaxEntries,
		now:        func() time.Time { return time.Now().UTC() },
		entries:    map[string]time.Time{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(debouncer)
		}
	}
	return debouncer
}

// Allow reports whether a notification for accountID should trigger a sync.
// The window is measured from the last allowed trigger, so a steady stream
// still syncs once per window.
func (d *SyncDebouncer) Allow(accountID string) bool {
	if d == nil {
		return true
	}
	key := strings.TrimSpace(accountID)
	if key == "" {
		return true
	}

	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	lastAllowed, exists := d.entries[key]
	if exists && now.Sub(lastAllowed) < d.window {
		return false
	}
	d.entries[key] = now
	d.cleanup(now)
	return true
}

func (d *SyncDebouncer) cleanup(now time.Time) {
	if len(d.entries) <= d.maxEntries {
		for key, seenAt := range d.entries {
			if now.Sub(seenAt) > d.window*4 {
				delete(d.entries, key)
			}
		}
		return
	}
	for key, seenAt := range d.entries {
		if now.Sub(seenAt) > d.window {
			delete(d.entries, key)
		}
		if len(d.entries) <= d.maxEntries {
			break
		}
	}
}
