package cbt

// quicksortHashes is an iterative three-median quicksort over the parallel
// (hashes, records) arrays, keyed on hash. Stability is not required by the
// spec; this implementation is not stable.
//
// The explicit stack starts at 128 frames and grows dynamically rather
// than hard-capping: with buffers in the tens of millions of elements a
// fixed stack could overflow on pathological pivot sequences. Pushing the
// larger partition and looping on the smaller keeps the live depth
// logarithmic in practice anyway.
func quicksortHashes(hashes []uint32, records []Record) {
	n := len(hashes)
	if n < 2 {
		return
	}

	type frame struct{ lo, hi int }
	stack := make([]frame, 0, 128)
	stack = append(stack, frame{0, n - 1})

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		lo, hi := top.lo, top.hi

		for hi-lo+1 > insertionSortCutoff {
			p := medianOfThree(hashes, lo, hi)
			pivot := hashes[p]
			swapAt(hashes, records, p, hi)

			store := lo
			for i := lo; i < hi; i++ {
				if hashes[i] < pivot {
					swapAt(hashes, records, i, store)
					store++
				}
			}
			swapAt(hashes, records, store, hi)

			// Recurse into the smaller partition via the loop, push the
			// larger one onto the explicit stack; bounds the stack depth
			// to O(log n) in the expected case.
			if store-lo < hi-store {
				if store+1 <= hi {
					stack = append(stack, frame{store + 1, hi})
				}
				hi = store - 1
			} else {
				if lo <= store-1 {
					stack = append(stack, frame{lo, store - 1})
				}
				lo = store + 1
			}
		}

		insertionSort(hashes, records, lo, hi)
	}
}

func medianOfThree(hashes []uint32, lo, hi int) int {
	mid := lo + (hi-lo)/2
	a, b, c := hashes[lo], hashes[mid], hashes[hi]

	switch {
	case (a <= b && b <= c) || (c <= b && b <= a):
		return mid
	case (b <= a && a <= c) || (c <= a && a <= b):
		return lo
	default:
		return hi
	}
}

func insertionSort(hashes []uint32, records []Record, lo, hi int) {
	for i := lo + 1; i <= hi; i++ {
		h, r := hashes[i], records[i]
		j := i - 1
		for j >= lo && hashes[j] > h {
			hashes[j+1] = hashes[j]
			records[j+1] = records[j]
			j--
		}
		hashes[j+1] = h
		records[j+1] = r
	}
}

func swapAt(hashes []uint32, records []Record, i, j int) {
	hashes[i], hashes[j] = hashes[j], hashes[i]
	records[i], records[j] = records[j], records[i]
}
