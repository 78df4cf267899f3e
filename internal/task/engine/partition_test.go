package engine

import (
	"reflect"
	"testing"
)

func TestPartitionProperties(t *testing.T) {
	t.Parallel()

	for n := 0; n <= 40; n++ {
		items := make([]int, n)
		for i := range items {
			items[i] = i
		}
		for w := 1; w <= 12; w++ {
			chunks := Partition(items, w)

			want := n
			if w < n {
				want = w
			}
			if len(chunks) != want {
				t.Fatalf("n=%d w=%d: %d chunks, want %d", n, w, len(chunks), want)
			}

			var flat []int
			min, max := n+1, -1
			for _, c := range chunks {
				flat = append(flat, c...)
				if len(c) < min {
					min = len(c)
				}
				if len(c) > max {
					max = len(c)
				}
			}
			if len(flat) != n || (n > 0 && !reflect.DeepEqual(flat, items)) {
				t.Fatalf("n=%d w=%d: order not preserved: %v", n, w, flat)
			}
			if n > 0 && max-min > 1 {
				t.Fatalf("n=%d w=%d: unbalanced sizes %d..%d", n, w, min, max)
			}
		}
	}
}

func TestPartitionShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n, w  int
		sizes []int
	}{
		{5, 2, []int{3, 2}},
		{7, 3, []int{3, 2, 2}},
		{3, 5, []int{1, 1, 1}},
		{4, 0, []int{4}},
		{4, -3, []int{4}},
		{0, 3, nil},
	}
	for _, tc := range cases {
		items := make([]string, tc.n)
		var sizes []int
		for _, c := range Partition(items, tc.w) {
			sizes = append(sizes, len(c))
		}
		if !reflect.DeepEqual(sizes, tc.sizes) {
			t.Fatalf("Partition(%d,%d) sizes=%v, want %v", tc.n, tc.w, sizes, tc.sizes)
		}
	}
}

func TestPartitionChunksDoNotAlias(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4}
	chunks := Partition(items, 2)
	chunks[0] = append(chunks[0], 99)
	if items[2] != 3 {
		t.Fatalf("append to a chunk overwrote the next chunk: %v", items)
	}
}
