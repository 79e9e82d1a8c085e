package derecho

import (
	"cmp"
	"fmt"
	"iter"

	rb "github.com/glycerine/rbtree"
)

// omap is a deterministic ordered map on a red-black tree.
// The multicast core keys these by sequence number: delivery
// must walk locally-stable messages in ascending seq order,
// and tests must see reproducible iteration. get/set/delete
// are O(log n); deleteAll is O(1).
//
// Like the built-in map, omap does no internal locking. All
// omaps in the multicast core are guarded by msgStateMut.
// Deletion at the current position during a for-range all()
// iteration is allowed; the iterator pre-advances.
type omap[K cmp.Ordered, V any] struct {
	tree *rb.Tree
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
	it  rb.Iterator
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

// Len returns the number of keys stored in the omap.
func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

func (s *omap[K, V]) String() (r string) {
	r = "omap{"
	i := 0
	for k, v := range s.all() {
		if i > 0 {
			r += ", "
		}
		r += fmt.Sprintf("%v:%v", k, v)
		i++
	}
	r += "}"
	return
}

// set is an upsert. It does an insert if the key is
// not already present, returning newlyAdded true;
// otherwise it updates the current key's value in place.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
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

// get2 returns the val corresponding to key; found is
// false iff the key was not present.
func (s *omap[K, V]) get2(key K) (val V, found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		val = it.Item().(*okv[K, V]).val
	}
	return
}

// get does get2 but without the found flag.
func (s *omap[K, V]) get(key K) (val V) {
	val, _ = s.get2(key)
	return
}

// min returns the smallest key and its value. ok is false
// when the omap is empty. Delivery uses this to find the
// least undelivered sequence number.
func (s *omap[K, V]) min() (key K, val V, ok bool) {
	it := s.tree.Min()
	if it.Limit() {
		return
	}
	kv := it.Item().(*okv[K, V])
	return kv.key, kv.val, true
}

// delkey deletes a key from the omap, if present.
func (s *omap[K, V]) delkey(key K) (found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		s.tree.DeleteWithIterator(it)
	}
	return
}

// delmin removes the smallest key. A no-op on an empty omap.
func (s *omap[K, V]) delmin() {
	it := s.tree.Min()
	if it.Limit() {
		return
	}
	s.tree.DeleteWithIterator(it)
}

// deleteAll clears the tree in O(1) time.
func (s *omap[K, V]) deleteAll() {
	s.tree.DeleteAll()
}

// all starts an ascending iteration over all elements.
// The iterator pre-advances, so deleting the yielded key
// during iteration is fine.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			// advance before yielding so the user
			// can delete at the yielded key.
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}
