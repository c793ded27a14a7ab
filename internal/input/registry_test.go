package input

import (
	"slices"
	"testing"
)

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry()
	a := &fakeDevice{path: "/dev/input/event3", name: "Shutter"}
	b := &fakeDevice{path: "/dev/input/event5", name: "Remote"}

	idA, _ := r.Add(a)
	idB, _ := r.Add(b)
	if idA == idB {
		t.Fatal("IDs must be unique")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	if id, ok := r.Lookup(b.path); !ok || id != idB {
		t.Errorf("Lookup = %d, %v", id, ok)
	}

	d, ok := r.Remove(idA)
	if !ok || d.Handle != a || d.Name != "Shutter" {
		t.Fatalf("Remove returned %+v, %v", d, ok)
	}
	if _, ok := r.Lookup(a.path); ok {
		t.Error("Path index should drop removed device")
	}
	if _, ok := r.Remove(idA); ok {
		t.Error("Second remove should fail")
	}

	// re-adding the same path gets a fresh ID
	idA2, _ := r.Add(a)
	if idA2 == idA || idA2 < idB {
		t.Errorf("IDs must not be reused: %d after %d, %d", idA2, idA, idB)
	}
	if got := r.IDs(); !slices.Equal(got, []DeviceID{idB, idA2}) {
		t.Errorf("IDs = %v", got)
	}
}

func TestRegistry_ReplaceSamePath(t *testing.T) {
	r := NewRegistry()
	old := &fakeDevice{path: "/dev/input/event3", name: "old"}
	fresh := &fakeDevice{path: "/dev/input/event3", name: "new"}

	r.Add(old)
	id, replaced := r.Add(fresh)
	if replaced == nil || replaced.Handle != old {
		t.Fatalf("Expected old device to be replaced, got %+v", replaced)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if d, _ := r.Get(id); d.Name != "new" {
		t.Errorf("Get returned %+v", d)
	}
}
