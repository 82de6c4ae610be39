package uid

import "testing"

func TestVolatileAndFileNeverEqual(t *testing.T) {
	v := NewVolatile(1)
	f := NewFile(0, 1)
	if v.Equal(f) {
		t.Fatalf("volatile and file UIDs compared equal: %v == %v", v, f)
	}
	if !v.IsVolatile() || v.IsFile() {
		t.Fatalf("volatile UID misclassified: %v", v)
	}
	if !f.IsFile() || f.IsVolatile() {
		t.Fatalf("file UID misclassified: %v", f)
	}
}

func TestUIDIsComparableMapKey(t *testing.T) {
	m := map[UID]string{}
	m[NewVolatile(1)] = "a"
	m[NewFile(0, 4096)] = "b"

	if got := m[NewVolatile(1)]; got != "a" {
		t.Fatalf("expected lookup by value-equal volatile UID to hit, got %q", got)
	}
	if got := m[NewFile(0, 4096)]; got != "b" {
		t.Fatalf("expected lookup by value-equal file UID to hit, got %q", got)
	}
}

func TestAllocatorReusesFreedIDs(t *testing.T) {
	a := NewAllocator()
	u1 := a.Allocate()
	u2 := a.Allocate()
	if u1.VolatileID() != 1 || u2.VolatileID() != 2 {
		t.Fatalf("expected sequential ids 1,2; got %d,%d", u1.VolatileID(), u2.VolatileID())
	}

	a.Free(u1)
	u3 := a.Allocate()
	if u3.VolatileID() != 1 {
		t.Fatalf("expected freed id 1 to be reused, got %d", u3.VolatileID())
	}

	u4 := a.Allocate()
	if u4.VolatileID() != 3 {
		t.Fatalf("expected next fresh id to be 3, got %d", u4.VolatileID())
	}

	next, free := a.Stats()
	if next != 4 || free != 0 {
		t.Fatalf("unexpected allocator stats: next=%d free=%d", next, free)
	}
}

func TestFreeingFileOrNilUIDIsNoop(t *testing.T) {
	a := NewAllocator()
	a.Free(NewFile(0, 10))
	a.Free(Nil)
	_, free := a.Stats()
	if free != 0 {
		t.Fatalf("expected freeing a non-volatile UID to be a no-op, got free=%d", free)
	}
}
