package cache

import (
	"container/list"
)

// ghostCapacity bounds each ARC ghost (history) list.
const ghostCapacity = 256

// arcPolicy implements Adaptive Replacement Cache victim selection:
// t1 holds keys seen once (recency), t2 keys seen more than once
// (frequency). b1/b2 are ghost lists remembering recently evicted keys
// from t1/t2; a hit in a ghost list shifts the target split p toward
// the list that would have kept the key.
type arcPolicy struct {
	t1 *keyList // resident, seen once
	t2 *keyList // resident, seen repeatedly
	b1 *keyList // ghosts evicted from t1
	b2 *keyList // ghosts evicted from t2

	// p is the target size of t1; grows on b1 hits, shrinks on b2 hits.
	p int
}

func newARCPolicy() *arcPolicy {
	return &arcPolicy{
		t1: newKeyList(),
		t2: newKeyList(),
		b1: newKeyList(),
		b2: newKeyList(),
	}
}

func (p *arcPolicy) OnAccess(key string, _ *entryMeta) {
	// A second access promotes from the recency list to the
	// frequency list.
	if p.t1.Contains(key) {
		p.t1.Remove(key)
		p.t2.PushFront(key)
		return
	}
	p.t2.MoveToFront(key)
}

func (p *arcPolicy) OnInsert(key string, _ *entryMeta) {
	switch {
	case p.b1.Contains(key):
		// Recency ghost hit: t1 was too small.
		p.p++
		p.b1.Remove(key)
		p.t2.PushFront(key)
	case p.b2.Contains(key):
		// Frequency ghost hit: t1 was too large.
		if p.p > 0 {
			p.p--
		}
		p.b2.Remove(key)
		p.t2.PushFront(key)
	default:
		p.t1.PushFront(key)
	}
}

func (p *arcPolicy) OnRemove(key string, _ *entryMeta, evicted bool) {
	fromT1 := p.t1.Remove(key)
	fromT2 := p.t2.Remove(key)

	if !evicted {
		return
	}
	// Remember capacity evictions in the matching ghost list.
	if fromT1 {
		p.b1.PushFront(key)
	} else if fromT2 {
		p.b2.PushFront(key)
	}
}

func (p *arcPolicy) EvictCandidate() string {
	if p.t1.Len() > p.p {
		if key, ok := p.t1.Back(); ok {
			return key
		}
	}
	if key, ok := p.t2.Back(); ok {
		return key
	}
	if key, ok := p.t1.Back(); ok {
		return key
	}
	return ""
}

// Maintain trims the ghost lists back to capacity.
func (p *arcPolicy) Maintain() {
	p.b1.TrimTo(ghostCapacity)
	p.b2.TrimTo(ghostCapacity)
}

// ---------------------------------------------------------------------
// keyList is a small ordered set of keys, front = most recent.
// ---------------------------------------------------------------------

type keyList struct {
	order    *list.List
	elements map[string]*list.Element
}

func newKeyList() *keyList {
	return &keyList{
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

func (l *keyList) Contains(key string) bool {
	_, ok := l.elements[key]
	return ok
}

func (l *keyList) PushFront(key string) {
	if el, ok := l.elements[key]; ok {
		l.order.MoveToFront(el)
		return
	}
	l.elements[key] = l.order.PushFront(key)
}

func (l *keyList) MoveToFront(key string) {
	if el, ok := l.elements[key]; ok {
		l.order.MoveToFront(el)
	}
}

// Remove deletes key and reports whether it was present.
func (l *keyList) Remove(key string) bool {
	el, ok := l.elements[key]
	if !ok {
		return false
	}
	l.order.Remove(el)
	delete(l.elements, key)
	return true
}

func (l *keyList) Back() (string, bool) {
	if back := l.order.Back(); back != nil {
		return back.Value.(string), true
	}
	return "", false
}

func (l *keyList) Len() int {
	return l.order.Len()
}

// TrimTo drops the oldest keys until the list holds at most n.
func (l *keyList) TrimTo(n int) {
	for l.order.Len() > n {
		back := l.order.Back()
		l.order.Remove(back)
		delete(l.elements, back.Value.(string))
	}
}
