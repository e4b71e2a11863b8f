package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/attendance"
)

// CooldownGate suppresses repeated scans of one code across every scanner
// station of a session. Each accepted code holds a key that expires after the
// cooldown, so stale entries evict themselves.
type CooldownGate struct {
	client    *redis.Client
	sessionID string
	cooldown  time.Duration
}

var _ attendance.ScanGate = (*CooldownGate)(nil)

// NewCooldownGate builds a gate for one session.
func NewCooldownGate(client *redis.Client, sessionID string, cooldown time.Duration) *CooldownGate {
	if cooldown <= 0 {
		cooldown = attendance.DefaultScanCooldown
	}
	return &CooldownGate{client: client, sessionID: sessionID, cooldown: cooldown}
}

// CooldownGates returns a factory for attendance.Options.NewGate.
func CooldownGates(client *redis.Client, cooldown time.Duration) func(attendance.Session) attendance.ScanGate {
	return func(s attendance.Session) attendance.ScanGate {
		return NewCooldownGate(client, s.ID, cooldown)
	}
}

// Payloads can be long JSON blobs; keys hold a digest.
func (g *CooldownGate) key(code string) string {
	sum := sha1.Sum([]byte(code))
	return fmt.Sprintf("rollcall:cooldown:%s:%s", g.sessionID, hex.EncodeToString(sum[:]))
}

// releaseScript deletes the key only while it still holds the caller's claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func claim(at time.Time) string {
	return strconv.FormatInt(at.UnixNano(), 10)
}

// Accept claims the code for the cooldown window. A code already claimed is
// rejected.
func (g *CooldownGate) Accept(ctx context.Context, code string, now time.Time) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(code), claim(now), g.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown accept: %w", err)
	}
	return ok, nil
}

// Release drops the claim made at acceptedAt so the code can be retried at
// once. A claim made by a later accept is left alone.
func (g *CooldownGate) Release(ctx context.Context, code string, acceptedAt time.Time) error {
	if err := releaseScript.Run(ctx, g.client, []string{g.key(code)}, claim(acceptedAt)).Err(); err != nil {
		return fmt.Errorf("cooldown release: %w", err)
	}
	return nil
}

// EvictStale is a no-op: keys carry their own expiry.
func (g *CooldownGate) EvictStale(context.Context, time.Time) {}

// Remaining reports how long the code stays suppressed.
func (g *CooldownGate) Remaining(ctx context.Context, code string) (time.Duration, error) {
	d, err := g.client.PTTL(ctx, g.key(code)).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
