package bufferpool

import (
	"errors"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

var ErrNoVictimAvailable = errors.New("no victim available")

// Replacer tracks the evictable pages and picks eviction victims among them.
// Pin makes a page non evictable, Unpin makes it evictable. Unpinning a page
// that is already evictable keeps its position.
type Replacer interface {
	Pin(pageID common.PageIdentity)
	Unpin(pageID common.PageIdentity)
	ChooseVictim() (common.PageIdentity, error) // returns ErrNoVictimAvailable if no victim is available
	GetSize() uint64
}

// LRUReplacer evicts the page that became evictable the longest time ago.
type LRUReplacer struct {
	mu  sync.Mutex
	lru *simplelru.LRU
}

var _ Replacer = &LRUReplacer{}

func NewLRUReplacer(capacity uint64) *LRUReplacer {
	assert.Assert(capacity > 0, "replacer capacity must be greater than zero")

	//nolint:gosec
	lru, err := simplelru.NewLRU(int(capacity), nil)
	assert.NoError(err)

	return &LRUReplacer{lru: lru}
}

func (r *LRUReplacer) Pin(pageID common.PageIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lru.Remove(pageID)
}

func (r *LRUReplacer) Unpin(pageID common.PageIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lru.Contains(pageID) {
		return
	}
	r.lru.Add(pageID, struct{}{})
}

func (r *LRUReplacer) ChooseVictim() (common.PageIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, _, ok := r.lru.RemoveOldest()
	if !ok {
		return common.PageIdentity{}, ErrNoVictimAvailable
	}
	//nolint:forcetypeassert
	return key.(common.PageIdentity), nil
}

func (r *LRUReplacer) GetSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return uint64(r.lru.Len()) //nolint:gosec
}

// ClockReplacer approximates LRU with a reference bit per page and a hand
// sweeping over the evictable pages.
type ClockReplacer struct {
	mu    sync.Mutex
	ring  []clockEntry
	index map[common.PageIdentity]int
	hand  int
}

type clockEntry struct {
	pageID     common.PageIdentity
	referenced bool
}

var _ Replacer = &ClockReplacer{}

func NewClockReplacer() *ClockReplacer {
	return &ClockReplacer{
		index: map[common.PageIdentity]int{},
	}
}

func (r *ClockReplacer) Pin(pageID common.PageIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[pageID]
	if !ok {
		return
	}
	r.removeAt(i)
}

// removeAt deletes ring[i] keeping the order of the remaining entries, so
// the hand keeps pointing at the same successor.
func (r *ClockReplacer) removeAt(i int) {
	delete(r.index, r.ring[i].pageID)
	r.ring = append(r.ring[:i], r.ring[i+1:]...)
	for j := i; j < len(r.ring); j++ {
		r.index[r.ring[j].pageID] = j
	}

	if i < r.hand {
		r.hand--
	}
	if r.hand >= len(r.ring) {
		r.hand = 0
	}
}

func (r *ClockReplacer) Unpin(pageID common.PageIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[pageID]; ok {
		return
	}

	// insert right behind the hand so the new page is inspected last
	pos := r.hand
	r.ring = append(r.ring, clockEntry{})
	copy(r.ring[pos+1:], r.ring[pos:])
	r.ring[pos] = clockEntry{pageID: pageID, referenced: true}
	for j := pos; j < len(r.ring); j++ {
		r.index[r.ring[j].pageID] = j
	}
	if len(r.ring) > 1 {
		r.hand = (pos + 1) % len(r.ring)
	}
}

func (r *ClockReplacer) ChooseVictim() (common.PageIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ring) == 0 {
		return common.PageIdentity{}, ErrNoVictimAvailable
	}

	for {
		e := &r.ring[r.hand]
		if e.referenced {
			e.referenced = false
			r.hand = (r.hand + 1) % len(r.ring)
			continue
		}

		victim := e.pageID
		r.removeAt(r.hand)
		return victim, nil
	}
}

func (r *ClockReplacer) GetSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return uint64(len(r.ring))
}
