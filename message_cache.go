package main

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	cleanupTargetFraction = 10
	minCleanupInterval    = 10
	maxCleanupInterval    = 1000
)

// MessageCache remembers the hashes of recently processed operator requests so
// a replayed request is rejected within the message expiry window. Expired
// entries are ignored by Exists and purged lazily by Add.
type MessageCache struct {
	entries        map[string]int64 // hash -> expiry (Unix ms)
	mu             sync.RWMutex
	ttl            time.Duration
	cleanupCounter int
	cleanupEvery   int // Dynamically calculated based on cache size
}

// NewMessageCache creates a new MessageCache instance with the specified TTL.
func NewMessageCache(ttl time.Duration) *MessageCache {
	return &MessageCache{
		entries:      make(map[string]int64),
		ttl:          ttl,
		cleanupEvery: minCleanupInterval,
	}
}

// Add stores a message hash that expires after TTL.
func (mc *MessageCache) Add(hash string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.addLocked(hash, time.Now())
}

// AddIfAbsent stores hash unless a live entry exists and reports whether it did.
func (mc *MessageCache) AddIfAbsent(hash string) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	if expiry, ok := mc.entries[hash]; ok && now.UnixMilli() <= expiry {
		return false
	}
	mc.addLocked(hash, now)
	return true
}

func (mc *MessageCache) addLocked(hash string, now time.Time) {
	mc.entries[hash] = now.Add(mc.ttl).UnixMilli()

	mc.cleanupCounter++
	if mc.cleanupCounter >= mc.cleanupEvery {
		mc.cleanupExpiredLocked()
		mc.recalculateCleanupInterval()
		mc.cleanupCounter = 0
	}
}

// Exists reports whether hash was added and has not expired yet.
func (mc *MessageCache) Exists(hash string) bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	expiryTime, exists := mc.entries[hash]
	if !exists {
		return false
	}

	return time.Now().UnixMilli() <= expiryTime
}

// Remove forgets a message hash so a failed request can be retried at once.
func (mc *MessageCache) Remove(hash string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.entries, hash)
}

// cleanupExpiredLocked removes all expired entries. The caller must hold mc.mu.
func (mc *MessageCache) cleanupExpiredLocked() {
	now := time.Now().UnixMilli()
	for hash, expiryTime := range mc.entries {
		if now > expiryTime {
			delete(mc.entries, hash)
		}
	}
}

// recalculateCleanupInterval runs cleanup again after roughly a tenth of the
// cache size in new entries, bounded by min and max intervals.
func (mc *MessageCache) recalculateCleanupInterval() {
	size := len(mc.entries)

	interval := size / cleanupTargetFraction

	if interval < minCleanupInterval {
		mc.cleanupEvery = minCleanupInterval
	} else if interval > maxCleanupInterval {
		mc.cleanupEvery = maxCleanupInterval
	} else {
		mc.cleanupEvery = interval
	}
}

// HashMessage returns the Keccak256 hex digest of the raw request bytes.
func HashMessage(msg *RPCMessage) string {
	if msg == nil || msg.Req == nil {
		return ""
	}

	hash := crypto.Keccak256(msg.Req.rawBytes)
	return hex.EncodeToString(hash)
}
