package msgpipe

import (
	"cmp"
	"fmt"
	"iter"
	"sync/atomic"

	rb "github.com/glycerine/rbtree"
)

// omap is a deterministic map for any cmp.Ordered key.
//
// Unlike Go's builtin map, an omap can be range iterated
// in a repeatable (sorted) order, which is what the
// outgoing priority queues and the pipe registry need:
// drain order and registry scans must not depend on map
// iteration randomness. get/set/delete are O(log n) per
// the underlying red-black tree.
//
// Like the built-in map, omap does no internal locking.
// The pipe mutex or the messenger mutex guards each
// instance here.
type omap[K cmp.Ordered, V any] struct {
	version int64

	tree *rb.Tree

	// cache the first range all, and use
	// ordercache if we range all again without
	// intervening upsert or deletes.
	ordercache   []*okv[K, V]
	cacheversion int64
}

// newOmap makes a new omap.
func newOmap[K cmp.Ordered, V any]() *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			ak := a.(*okv[K, V]).key
			bk := b.(*okv[K, V]).key
			return cmp.Compare(ak, bk)
		}),
	}
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
	it  rb.Iterator
}

// Len returns the number of keys stored in the omap.
func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

func (s *omap[K, V]) String() (r string) {
	r = "omap{"
	extra := ""
	for _, kv := range s.cached() {
		r += fmt.Sprintf("%v%v:%v", extra, kv.key, kv.val)
		extra = ", "
	}
	r += "}"
	return
}

// cached returns the raw internal okv slice, sorted
// ascending by key, for very fast iteration in a
// for-range loop. The caller must not insert or delete
// while holding it.
func (s *omap[K, V]) cached() []*okv[K, V] {
	n := s.tree.Len()
	nc := len(s.ordercache)
	vers := atomic.LoadInt64(&s.version)
	if nc == n && s.cacheversion == vers {
		return s.ordercache
	}
	// refill ordercache
	s.ordercache = nil
	s.cacheversion = vers
	for it := s.tree.Min(); !it.Limit(); it = it.Next() {
		kv := it.Item().(*okv[K, V])
		s.ordercache = append(s.ordercache, kv)
	}
	return s.ordercache
}

// delkey deletes a key from the omap, if present.
func (s *omap[K, V]) delkey(key K) (found bool) {
	query := &okv[K, V]{key: key}
	var it rb.Iterator
	it, found = s.tree.FindGE_isEqual(query)
	if found {
		atomic.AddInt64(&s.version, 1)
		s.ordercache = nil
		s.cacheversion = 0
		s.tree.DeleteWithIterator(it)
	}
	return
}

// deleteAll clears the tree in O(1) time.
func (s *omap[K, V]) deleteAll() {
	atomic.AddInt64(&s.version, 1)
	s.ordercache = nil
	s.cacheversion = 0
	s.tree.DeleteAll()
}

// set is an upsert. It does an insert if the key is
// not already present returning newlyAdded true;
// otherwise it updates the current key's value in place.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	atomic.AddInt64(&s.version, 1)
	s.ordercache = nil
	s.cacheversion = 0

	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		prev := it.Item().(*okv[K, V])
		prev.val = val
		return
	}
	newlyAdded = true
	_, it = s.tree.InsertGetIt(query)
	query.it = it
	return
}

// get2 returns the val corresponding to key. found will
// be false iff the key was not present.
func (s *omap[K, V]) get2(key K) (val V, found bool) {
	var it rb.Iterator
	query := &okv[K, V]{key: key}
	it, found = s.tree.FindGE_isEqual(query)
	if found {
		val = it.Item().(*okv[K, V]).val
	}
	return
}

// all iterates in ascending key order. Deleting the
// yielded key during iteration is allowed.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			// advance before yielding so the user
			// can delete at it if desired.
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}
