package attendance

import (
	"context"
	"sync"
	"time"
)

// DefaultScanCooldown is how long a decoded code is ignored after it was accepted.
const DefaultScanCooldown = 3 * time.Second

// ScanGate decides whether a decoded QR payload should reach the server.
// Release takes the time passed to the Accept that claimed the code and
// only drops that claim, never a newer one.
type ScanGate interface {
	Accept(ctx context.Context, rawCode string, now time.Time) (bool, error)
	Release(ctx context.Context, rawCode string, acceptedAt time.Time) error
	EvictStale(ctx context.Context, now time.Time)
}

// Deduplicator suppresses repeated decodes of the same code within a
// cooldown window. It keys on the raw code only.
type Deduplicator struct {
	cooldown time.Duration
	mu       sync.Mutex
	seen     map[string]time.Time
}

var _ ScanGate = (*Deduplicator)(nil)

// NewDeduplicator creates an in-memory gate.
func NewDeduplicator(cooldown time.Duration) *Deduplicator {
	if cooldown <= 0 {
		cooldown = DefaultScanCooldown
	}
	return &Deduplicator{cooldown: cooldown, seen: make(map[string]time.Time)}
}

// Cooldown returns the configured window.
func (d *Deduplicator) Cooldown() time.Duration { return d.cooldown }

// ShouldAccept returns false while rawCode is cooling down; otherwise it
// records now against rawCode and returns true.
func (d *Deduplicator) ShouldAccept(rawCode string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[rawCode]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.seen[rawCode] = now
	return true
}

// Release forgets rawCode so the next decode is retried immediately,
// unless it was accepted again after acceptedAt.
func (d *Deduplicator) Release(_ context.Context, rawCode string, acceptedAt time.Time) error {
	d.mu.Lock()
	if last, ok := d.seen[rawCode]; ok && last.Equal(acceptedAt) {
		delete(d.seen, rawCode)
	}
	d.mu.Unlock()
	return nil
}

// EvictStale drops entries whose window has passed.
func (d *Deduplicator) EvictStale(_ context.Context, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for code, last := range d.seen {
		if now.Sub(last) >= d.cooldown {
			delete(d.seen, code)
		}
	}
}

// Accept implements ScanGate.
func (d *Deduplicator) Accept(_ context.Context, rawCode string, now time.Time) (bool, error) {
	return d.ShouldAccept(rawCode, now), nil
}

// Len is the number of codes currently tracked.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
