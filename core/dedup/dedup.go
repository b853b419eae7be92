// Package dedup implements the reply-replay cache of spec §4.4: keyed
// on (peer, sequence, msg_type), it lets a dispatcher answer a retried
// request with the exact reply bytes it sent the first time instead of
// re-running a handler that may not be idempotent (e.g. cfg_version
// bumps, reboot scheduling). Capacity defaults to a single entry per
// §9's note that most deployments only ever have one link in flight at
// a time, but the cache is a proper bounded LRU so a device answering
// several peers can raise it.
package dedup

import (
	"container/list"
	"sync"

	"github.com/dvo001/provlink/core/wire"
)

// Key identifies one previously-answered request.
type Key struct {
	Peer     string
	Sequence uint16
	MsgType  wire.MsgType
}

type entry struct {
	key   Key
	reply []byte
}

// Cache is a fixed-capacity LRU of Key to reply bytes. The zero value
// is not usable; construct with New.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[Key]*list.Element
}

// New returns a Cache holding at most capacity entries. capacity<=0 is
// treated as 1, matching the protocol's default single-slot behavior.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[Key]*list.Element),
	}
}

// Lookup returns the cached reply for key, if any, and marks it most
// recently used.
func (c *Cache) Lookup(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).reply, true
}

// Store records reply as the answer for key, evicting the least
// recently used entry if the cache is at capacity. Storing an existing
// key overwrites its reply and refreshes its position.
func (c *Cache) Store(key Key, reply []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		el.Value.(*entry).reply = reply
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{key: key, reply: reply})
	c.index[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).key)
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
