package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DedupCache drops duplicate deliveries of the same chat message within a
// short window. Mailbox transports redeliver; this is a mitigation on top
// of, never a substitute for, the per-transaction idempotency keys.
type DedupCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

// NewDedupCache creates a cache with the given duplicate window.
func NewDedupCache(window time.Duration) *DedupCache {
	return &DedupCache{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// Seen records the message and reports whether an identical one from the
// same sender was already processed inside the window. The msg id is part
// of the key so a deliberate resend of the same text (the free-retry flow)
// is not mistaken for a transport redelivery.
func (d *DedupCache) Seen(sender, msgID, content string) bool {
	sum := sha256.Sum256([]byte(sender + "\x00" + msgID + "\x00" + content))
	key := hex.EncodeToString(sum[:])
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Lazy cleanup keeps the map bounded by recent traffic.
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
		}
	}

	if at, ok := d.seen[key]; ok && now.Sub(at) <= d.window {
		return true
	}
	d.seen[key] = now
	return false
}
