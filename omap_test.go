package derecho

import (
	"fmt"
	"testing"
)

var _ = fmt.Sprintf

func TestOmap(t *testing.T) {
	m := newOmap[int64, int64]()

	for i := range 9 {
		m.set(int64(8-i), int64(8-i))
	}
	i := int64(0)
	for k, v := range m.all() {
		if v != i {
			t.Fatalf("expected val %v, got %v at key %v", i, v, k)
		}
		i++
	}
	// delete odds over 2 in the middle of iteration
	i = 0
	for k := range m.all() {
		if i > 2 && i%2 == 1 {
			m.delkey(k)
		}
		i++
	}
	ne := m.Len()
	if ne != 6 {
		t.Fatalf("expected 6 now, have %v", ne)
	}

	expect := []int64{0, 1, 2, 4, 6, 8} // deleted 3,5,7
	j := 0
	for _, v := range m.all() {
		if v != expect[j] {
			t.Fatalf("expected val %v, got %v", expect[j], v)
		}
		j++
	}
	if j != len(expect) {
		t.Fatalf("missing the rest of the set: '%#v'", expect[j:])
	}

	k, v, ok := m.min()
	if !ok || k != 0 || v != 0 {
		t.Fatalf("min: want (0,0,true), got (%v,%v,%v)", k, v, ok)
	}
	m.delmin()
	k, _, _ = m.min()
	if k != 1 {
		t.Fatalf("after delmin, min key should be 1, got %v", k)
	}

	m.deleteAll()
	if m.Len() != 0 {
		t.Fatalf("deleteAll left %v elements", m.Len())
	}
	if _, _, ok := m.min(); ok {
		t.Fatalf("min on empty omap should report !ok")
	}
}

func TestOmapUpsert(t *testing.T) {
	m := newOmap[int64, string]()
	if !m.set(5, "a") {
		t.Fatalf("first set should report newlyAdded")
	}
	if m.set(5, "b") {
		t.Fatalf("second set of same key should not report newlyAdded")
	}
	got, found := m.get2(5)
	if !found || got != "b" {
		t.Fatalf("get2(5): want b, got %v (found=%v)", got, found)
	}
	if m.get(6) != "" {
		t.Fatalf("get of absent key should zero-value")
	}
}
