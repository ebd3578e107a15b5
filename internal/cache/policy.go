package cache

import (
	"container/list"
)

// EvictionPolicy selects the victim-selection strategy at construction.
type EvictionPolicy string

const (
	PolicyLRU      EvictionPolicy = "LRU"
	PolicyLFU      EvictionPolicy = "LFU"
	PolicyARC      EvictionPolicy = "ARC"
	PolicyAdaptive EvictionPolicy = "ADAPTIVE"
)

// policy is the shared strategy interface. One instance is bound to one
// cache at construction; all calls happen under the cache lock.
//
// EvictCandidate returns the key to evict next, or "" when the policy
// has no candidate (the cache then falls back to any key).
type policy interface {
	// OnAccess is called after a hit.
	OnAccess(key string, e *entryMeta)
	// OnInsert is called after a new key is inserted.
	OnInsert(key string, e *entryMeta)
	// OnRemove is called after a key is deleted, evicted, or expired.
	// evicted distinguishes capacity eviction from plain removal so ARC
	// can maintain its ghost lists.
	OnRemove(key string, e *entryMeta, evicted bool)
	// EvictCandidate selects the next victim.
	EvictCandidate() string
	// Maintain runs periodic policy housekeeping (ghost-list trims,
	// threshold recomputation).
	Maintain()
}

// entryMeta is the policy-visible slice of a cache entry.
type entryMeta struct {
	hitCount int
	score    float64 // decayed frequency score
}

func newPolicy(kind EvictionPolicy) policy {
	switch kind {
	case PolicyLFU:
		return newLFUPolicy()
	case PolicyARC:
		return newARCPolicy()
	case PolicyAdaptive:
		return newAdaptivePolicy()
	default:
		return newLRUPolicy()
	}
}

// ---------------------------------------------------------------------
// LRU: pure recency via an intrusive list, MRU at front.
// ---------------------------------------------------------------------

type lruPolicy struct {
	order    *list.List
	elements map[string]*list.Element
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

func (p *lruPolicy) OnAccess(key string, _ *entryMeta) {
	if el, ok := p.elements[key]; ok {
		p.order.MoveToFront(el)
	}
}

func (p *lruPolicy) OnInsert(key string, _ *entryMeta) {
	p.elements[key] = p.order.PushFront(key)
}

func (p *lruPolicy) OnRemove(key string, _ *entryMeta, _ bool) {
	if el, ok := p.elements[key]; ok {
		p.order.Remove(el)
		delete(p.elements, key)
	}
}

func (p *lruPolicy) EvictCandidate() string {
	if back := p.order.Back(); back != nil {
		return back.Value.(string)
	}
	return ""
}

func (p *lruPolicy) Maintain() {}

// ---------------------------------------------------------------------
// LFU: pure frequency using the decayed score; victim is the key with
// the lowest score. Linear scan is fine for a bounded in-process cache.
// ---------------------------------------------------------------------

type lfuPolicy struct {
	scores map[string]*entryMeta
}

func newLFUPolicy() *lfuPolicy {
	return &lfuPolicy{scores: make(map[string]*entryMeta)}
}

func (p *lfuPolicy) OnAccess(key string, e *entryMeta) {
	p.scores[key] = e
}

func (p *lfuPolicy) OnInsert(key string, e *entryMeta) {
	p.scores[key] = e
}

func (p *lfuPolicy) OnRemove(key string, _ *entryMeta, _ bool) {
	delete(p.scores, key)
}

func (p *lfuPolicy) EvictCandidate() string {
	victim := ""
	best := 0.0
	for key, meta := range p.scores {
		if victim == "" || meta.score < best {
			victim = key
			best = meta.score
		}
	}
	return victim
}

func (p *lfuPolicy) Maintain() {}
