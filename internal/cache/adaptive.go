package cache

import (
	"sort"
)

// adaptivePolicy routes hot keys through LFU-like placement and the rest
// through LRU-like placement. "Hot" means a decayed frequency score at
// or above the dynamically computed 90th percentile across resident
// keys; the threshold is recomputed during Maintain and opportunistically
// every thresholdRefreshOps mutations.
type adaptivePolicy struct {
	lru *lruPolicy
	lfu *lfuPolicy

	metas     map[string]*entryMeta
	hot       map[string]bool
	threshold float64
	ops       int
}

const thresholdRefreshOps = 128

func newAdaptivePolicy() *adaptivePolicy {
	return &adaptivePolicy{
		lru:   newLRUPolicy(),
		lfu:   newLFUPolicy(),
		metas: make(map[string]*entryMeta),
		hot:   make(map[string]bool),
	}
}

func (p *adaptivePolicy) isHot(e *entryMeta) bool {
	return p.threshold > 0 && e.score >= p.threshold
}

// route re-segments a key when its hot/cold classification changed.
func (p *adaptivePolicy) route(key string, e *entryMeta) {
	want := p.isHot(e)
	if current, tracked := p.hot[key]; tracked && current == want {
		return
	}
	p.lru.OnRemove(key, e, false)
	p.lfu.OnRemove(key, e, false)
	if want {
		p.lfu.OnInsert(key, e)
	} else {
		p.lru.OnInsert(key, e)
	}
	p.hot[key] = want
}

func (p *adaptivePolicy) OnAccess(key string, e *entryMeta) {
	p.ops++
	if p.ops%thresholdRefreshOps == 0 {
		p.recomputeThreshold()
	}
	p.metas[key] = e
	if p.hot[key] {
		p.lfu.OnAccess(key, e)
	} else {
		p.lru.OnAccess(key, e)
	}
	p.route(key, e)
}

func (p *adaptivePolicy) OnInsert(key string, e *entryMeta) {
	p.ops++
	p.metas[key] = e
	if p.isHot(e) {
		p.lfu.OnInsert(key, e)
		p.hot[key] = true
	} else {
		p.lru.OnInsert(key, e)
		p.hot[key] = false
	}
}

func (p *adaptivePolicy) OnRemove(key string, e *entryMeta, evicted bool) {
	p.lru.OnRemove(key, e, evicted)
	p.lfu.OnRemove(key, e, evicted)
	delete(p.hot, key)
	delete(p.metas, key)
}

// EvictCandidate prefers the cold (LRU) segment; only when every
// resident key is hot does it fall back to the LFU segment.
func (p *adaptivePolicy) EvictCandidate() string {
	if key := p.lru.EvictCandidate(); key != "" {
		return key
	}
	return p.lfu.EvictCandidate()
}

func (p *adaptivePolicy) Maintain() {
	p.recomputeThreshold()
}

// recomputeThreshold sets the hot/cold boundary to the 90th percentile
// of resident scores.
func (p *adaptivePolicy) recomputeThreshold() {
	if len(p.metas) == 0 {
		p.threshold = 0
		return
	}
	scores := make([]float64, 0, len(p.metas))
	for _, meta := range p.metas {
		scores = append(scores, meta.score)
	}
	sort.Float64s(scores)
	idx := int(float64(len(scores)) * 0.9)
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	p.threshold = scores[idx]
}
