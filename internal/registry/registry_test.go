package registry

import (
	"fmt"
	"sync"
	"testing"
)

type conn struct{ id string }

func TestRegistry_RegisterLookup(t *testing.T) {
	r := New[*conn]()
	c := &conn{id: "a"}

	if _, replaced := r.Register("dev-001", c); replaced {
		t.Error("first register should not report a replacement")
	}

	got, ok := r.Lookup("dev-001")
	if !ok || got != c {
		t.Fatalf("lookup = %v, %v; want %v, true", got, ok, c)
	}
	if !r.IsConnected("dev-001") {
		t.Error("IsConnected should be true")
	}
	if _, ok := r.Lookup("dev-999"); ok {
		t.Error("unknown device should be absent")
	}
}

func TestRegistry_SupersededDisconnectKeepsNewer(t *testing.T) {
	r := New[*conn]()
	first := &conn{id: "first"}
	second := &conn{id: "second"}

	r.Register("dev-001", first)
	prev, replaced := r.Register("dev-001", second)
	if !replaced || prev != first {
		t.Errorf("register = %v, %v; want %v, true", prev, replaced, first)
	}

	// The stale connection drops after being superseded.
	if r.Unregister("dev-001", first) {
		t.Error("unregister of a superseded handle must not remove the mapping")
	}

	got, ok := r.Lookup("dev-001")
	if !ok || got != second {
		t.Fatalf("lookup = %v, %v; want second handle", got, ok)
	}

	if !r.Unregister("dev-001", second) {
		t.Error("unregister of the current handle should succeed")
	}
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}

func TestRegistry_SameHandleTwice(t *testing.T) {
	r := New[*conn]()
	c := &conn{id: "a"}
	r.Register("dev-001", c)
	if _, replaced := r.Register("dev-001", c); replaced {
		t.Error("re-registering the same handle is not a replacement")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := New[*conn]()
	for _, id := range []string{"dev-003", "dev-001", "dev-002"} {
		r.Register(id, &conn{id: id})
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	for i, want := range []string{"dev-001", "dev-002", "dev-003"} {
		if list[i].DeviceID != want {
			t.Errorf("list[%d] = %q, want %q", i, list[i].DeviceID, want)
		}
		if list[i].ConnectedAt.IsZero() {
			t.Errorf("list[%d] missing ConnectedAt", i)
		}
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New[*conn]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("dev-%03d", i%10)
			c := &conn{id: fmt.Sprint(i)}
			r.Register(id, c)
			r.Lookup(id)
			r.List()
			r.Unregister(id, c)
		}(i)
	}
	wg.Wait()

	// Whatever survived must still be a consistent snapshot.
	for _, e := range r.List() {
		if h, ok := r.Lookup(e.DeviceID); !ok || h != e.Handle {
			t.Errorf("inconsistent entry for %s", e.DeviceID)
		}
	}
}
