package keylock

import (
	"sync"
)

const shardCount = 64

// Key scopes all per-entity moderation state. UserID is zero for
// chat-wide state.
type Key struct {
	ChatID int64
	UserID int64
}

// KeyLock is a sharded mutex set: events for the same (chat,user) key
// serialize, unrelated keys proceed in parallel. Contention is bounded
// to actual hot keys instead of one global lock.
type KeyLock struct {
	shards [shardCount]sync.Mutex
}

func New() *KeyLock {
	return &KeyLock{}
}

// Lock acquires the shard mutex for the key and returns the unlock
// function. The unlock must run before any network-bound dispatch.
func (l *KeyLock) Lock(k Key) func() {
	shard := &l.shards[k.shard()]
	shard.Lock()
	return shard.Unlock
}

func (k Key) shard() uint64 {
	// FNV-1a over both ids.
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for _, id := range [2]int64{k.ChatID, k.UserID} {
		v := uint64(id)
		for i := 0; i < 8; i++ {
			h ^= v & 0xff
			h *= prime
			v >>= 8
		}
	}
	return h % shardCount
}
