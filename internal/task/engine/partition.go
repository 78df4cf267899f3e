package engine

// Partition splits items into at most maxWorkers contiguous chunks whose sizes
// differ by at most one; earlier chunks take the remainder. With no more items
// than workers every item gets its own chunk. maxWorkers <= 0 is treated as 1.
func Partition[T any](items []T, maxWorkers int) [][]T {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	n := len(items)
	if n == 0 {
		return nil
	}
	if n <= maxWorkers {
		out := make([][]T, n)
		for i := range items {
			out[i] = items[i : i+1 : i+1]
		}
		return out
	}

	base, extra := n/maxWorkers, n%maxWorkers
	out := make([][]T, 0, maxWorkers)
	at := 0
	for i := 0; i < maxWorkers; i++ {
		size := base
		if i < extra {
			size++
		}
		out = append(out, items[at:at+size:at+size])
		at += size
	}
	return out
}
