package node

import (
	"testing"

	"github.com/haldendb/kvindex/uid"
)

func TestIndexNodeChildIndexRoutesEqualKeysRight(t *testing.T) {
	n := &IndexNode[int32, int32]{
		Pivots:   []int32{10, 20},
		Children: []uid.UID{uid.NewVolatile(1), uid.NewVolatile(2), uid.NewVolatile(3)},
	}
	cases := []struct {
		key  int32
		want int
	}{
		{5, 0},
		{9, 0},
		{10, 1}, // equal to pivot routes right
		{15, 1},
		{20, 2},
		{25, 2},
	}
	for _, c := range cases {
		if got := n.ChildIndex(c.key); got != c.want {
			t.Fatalf("ChildIndex(%d) = %d, want %d", c.key, got, c.want)
		}
	}
}

func TestIndexNodeInsertChild(t *testing.T) {
	n := NewIndexNode[int32, int32](10, uid.NewVolatile(1), uid.NewVolatile(2))
	n.InsertChild(20, uid.NewVolatile(3))
	if len(n.Pivots) != 2 || n.Pivots[1] != 20 {
		t.Fatalf("unexpected pivots after insert: %v", n.Pivots)
	}
	if len(n.Children) != 3 || n.Children[2] != uid.NewVolatile(3) {
		t.Fatalf("unexpected children after insert: %v", n.Children)
	}
}

func TestIndexNodeSplit(t *testing.T) {
	n := &IndexNode[int32, int32]{
		Pivots: []int32{10, 20, 30, 40},
		Children: []uid.UID{
			uid.NewVolatile(1), uid.NewVolatile(2), uid.NewVolatile(3),
			uid.NewVolatile(4), uid.NewVolatile(5),
		},
	}
	sibling, promoted := n.Split()
	if promoted != 30 {
		t.Fatalf("expected promoted pivot 30, got %v", promoted)
	}
	if len(n.Pivots) != 2 || len(n.Children) != 3 {
		t.Fatalf("left half wrong shape: pivots=%v children=%d", n.Pivots, len(n.Children))
	}
	if len(sibling.Pivots) != 1 || len(sibling.Children) != 2 {
		t.Fatalf("sibling wrong shape: pivots=%v children=%d", sibling.Pivots, len(sibling.Children))
	}
}

func TestIndexNodeBorrowAndMerge(t *testing.T) {
	left := &IndexNode[int32, int32]{
		Pivots:   []int32{10, 20},
		Children: []uid.UID{uid.NewVolatile(1), uid.NewVolatile(2), uid.NewVolatile(3)},
	}
	right := &IndexNode[int32, int32]{
		Pivots:   []int32{50},
		Children: []uid.UID{uid.NewVolatile(4), uid.NewVolatile(5)},
	}
	newParentPivot, moved := right.BorrowFromLeft(left, 30)
	if newParentPivot != 20 {
		t.Fatalf("expected new parent pivot 20, got %v", newParentPivot)
	}
	if moved != uid.NewVolatile(3) {
		t.Fatalf("expected moved child to be left's last child, got %v", moved)
	}
	if right.Pivots[0] != 30 || right.Children[0] != uid.NewVolatile(3) {
		t.Fatalf("right did not adopt parent pivot + moved child: pivots=%v children=%v", right.Pivots, right.Children)
	}

	absorbed := left.MergeWithRight(right, 99)
	if len(absorbed) != 3 {
		t.Fatalf("expected 3 absorbed children, got %d", len(absorbed))
	}
	if len(left.Pivots) != 4 || left.Pivots[1] != 99 {
		t.Fatalf("expected merged pivots to include separator 99, got %v", left.Pivots)
	}
}
