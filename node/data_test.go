package node

import "testing"

func TestDataNodeInsertKeepsOrder(t *testing.T) {
	n := NewDataNode[int32, int32]()
	for _, k := range []int32{5, 1, 3, 2, 4} {
		n.Insert(k, k*10)
	}
	want := []int32{1, 2, 3, 4, 5}
	for i, k := range want {
		if n.Keys[i] != k {
			t.Fatalf("keys out of order: got %v want %v", n.Keys, want)
		}
	}
	v, ok := n.GetValue(3)
	if !ok || v != 30 {
		t.Fatalf("GetValue(3) = %v, %v; want 30, true", v, ok)
	}
}

func TestDataNodeRemove(t *testing.T) {
	n := NewDataNode[int32, int32]()
	n.Insert(1, 10)
	n.Insert(2, 20)
	if !n.Remove(1) {
		t.Fatalf("expected Remove(1) to succeed")
	}
	if n.Remove(1) {
		t.Fatalf("expected second Remove(1) to report absent")
	}
	if _, ok := n.GetValue(1); ok {
		t.Fatalf("key 1 should be gone")
	}
	if v, ok := n.GetValue(2); !ok || v != 20 {
		t.Fatalf("key 2 should remain with value 20, got %v %v", v, ok)
	}
}

func TestDataNodeSplit(t *testing.T) {
	n := NewDataNode[int32, int32]()
	for i := int32(1); i <= 6; i++ {
		n.Insert(i, i*10)
	}
	sibling, pivot := n.Split()
	if n.Len() != 3 || sibling.Len() != 3 {
		t.Fatalf("expected even 3/3 split, got %d/%d", n.Len(), sibling.Len())
	}
	if pivot != sibling.Keys[0] {
		t.Fatalf("pivot %v should equal sibling's first key %v", pivot, sibling.Keys[0])
	}
	if n.Keys[len(n.Keys)-1] >= pivot {
		t.Fatalf("left half must stay below pivot: %v", n.Keys)
	}
}

func TestDataNodeBorrowFromLeftAndRight(t *testing.T) {
	left := NewDataNode[int32, int32]()
	left.Insert(1, 10)
	left.Insert(2, 20)
	left.Insert(3, 30)

	right := NewDataNode[int32, int32]()
	right.Insert(10, 100)

	newPivot := right.BorrowFromLeft(left)
	if left.Len() != 2 {
		t.Fatalf("left should have lost one entry, has %d", left.Len())
	}
	if right.Keys[0] != 3 || newPivot != 3 {
		t.Fatalf("expected borrowed key 3 at front of right, got %v (pivot=%v)", right.Keys, newPivot)
	}

	newPivot2 := left.BorrowFromRight(right)
	if right.Len() != 1 {
		t.Fatalf("right should be back to 1 entry, has %d", right.Len())
	}
	if left.Keys[len(left.Keys)-1] != 3 || newPivot2 != right.Keys[0] {
		t.Fatalf("unexpected state after BorrowFromRight: left=%v right=%v pivot=%v", left.Keys, right.Keys, newPivot2)
	}
}

func TestDataNodeMergeWith(t *testing.T) {
	a := NewDataNode[int32, int32]()
	a.Insert(1, 10)
	a.Insert(2, 20)
	b := NewDataNode[int32, int32]()
	b.Insert(3, 30)
	b.Insert(4, 40)

	a.MergeWith(b)
	want := []int32{1, 2, 3, 4}
	for i, k := range want {
		if a.Keys[i] != k {
			t.Fatalf("merged keys = %v, want %v", a.Keys, want)
		}
	}
}

func TestDataNodeSplitThresholds(t *testing.T) {
	degree := 3
	n := NewDataNode[int32, int32]()
	for i := int32(1); i <= 3; i++ {
		n.Insert(i, i)
	}
	if n.RequireSplit(degree) {
		t.Fatalf("3 keys at degree 3 should not yet require split")
	}
	if !n.CanTriggerSplit(degree) {
		t.Fatalf("3 keys at degree 3 should be one insert away from split")
	}
	n.Insert(4, 4)
	if !n.RequireSplit(degree) {
		t.Fatalf("4 keys at degree 3 should require split")
	}
}
