package cbt

import (
	"github.com/pkg/errors"

	"cbtree/internal/cbterrors"
)

// insertionSortCutoff: quicksort runs of this size or smaller are
// finished with a plain insertion sort instead of partitioning further.
const insertionSortCutoff = 7

// Buffer owns two parallel arrays sized to a configured maximum (BMax): the
// records themselves, and a redundant hash column that lets the hot sort
// and aggregate loops compare hashes without touching the rest of the
// record. The hash column must always agree with records[i].Hash for
// i < numElements.
type Buffer struct {
	records []Record
	hashes  []uint32

	bMax       int
	bThreshold int

	cleared bool
}

// NewBuffer allocates a Buffer backed by arrays sized to bMax. bThreshold is
// the fullness watermark (IsFull becomes true once numElements exceeds it);
// it must be <= bMax.
func NewBuffer(bMax, bThreshold int) (*Buffer, error) {
	if bMax <= 0 || bThreshold <= 0 || bThreshold > bMax {
		return nil, errors.Wrapf(cbterrors.ErrInvariantViolation,
			"buffer: invalid capacity bMax=%d bThreshold=%d", bMax, bThreshold)
	}
	return &Buffer{
		records:    make([]Record, 0, bMax),
		hashes:     make([]uint32, 0, bMax),
		bMax:       bMax,
		bThreshold: bThreshold,
	}, nil
}

// NumElements returns the number of live records currently held.
func (b *Buffer) NumElements() int {
	return len(b.records)
}

// IsFull reports whether the buffer has crossed its fullness watermark.
func (b *Buffer) IsFull() bool {
	return len(b.records) > b.bThreshold
}

// Append adds r to the buffer. Precondition: NumElements() < bMax; callers
// (Node.Insert) are expected to check IsFull before calling Append, which
// is what keeps the per-record cost O(1).
func (b *Buffer) Append(r Record) error {
	if len(b.records) >= b.bMax {
		return errors.Wrapf(cbterrors.ErrInvariantViolation,
			"buffer: append past capacity %d", b.bMax)
	}
	b.records = append(b.records, r)
	b.hashes = append(b.hashes, r.Hash)
	b.cleared = false
	return nil
}

// Clear drops the buffer's contents without releasing the underlying
// storage, so the root buffer can keep its steady-state capacity across
// empties.
func (b *Buffer) Clear() {
	b.records = b.records[:0]
	b.hashes = b.hashes[:0]
}

// Deallocate releases the underlying storage entirely. Non-root nodes
// deallocate their buffer after an empty; the buffer stays usable, and a
// later Append or CopyFromBuffer allocates fresh storage.
func (b *Buffer) Deallocate() {
	b.records = nil
	b.hashes = nil
	b.cleared = true
}

// Transfer steals src's storage, leaving src marked cleared so it cannot be
// used again (and so a later Deallocate on src is a no-op, preventing a
// double free of the same backing array).
func (b *Buffer) Transfer(src *Buffer) {
	b.records = src.records
	b.hashes = src.hashes
	b.bMax = src.bMax
	b.bThreshold = src.bThreshold
	src.records = nil
	src.hashes = nil
	src.cleared = true
}

// CopyFromBuffer appends the half-open range [lo, hi) of src into b via
// one bulk copy per column. Unlike Append, the copy may carry the target past bMax:
// a child can already sit just under the watermark when its parent hands
// it an entire partition run, and the partitioning pass schedules the
// now-full child for emptying immediately afterwards.
func (b *Buffer) CopyFromBuffer(src *Buffer, lo, hi int) error {
	if lo < 0 || hi > len(src.records) || lo > hi {
		return errors.Wrapf(cbterrors.ErrInvariantViolation,
			"buffer: CopyFromBuffer out-of-range [%d,%d) len=%d", lo, hi, len(src.records))
	}
	b.records = append(b.records, src.records[lo:hi]...)
	b.hashes = append(b.hashes, src.hashes[lo:hi]...)
	return nil
}

// RecordAt returns the record at position i, used by the tree scan path to
// walk a leaf's buffer in order without copying it out.
func (b *Buffer) RecordAt(i int) Record {
	return b.records[i]
}

// Sort orders the buffer by hash. When offload is non-nil and useOffload is
// true, the sort is attempted on the offload device first (serialized by
// the tree-wide semaphore); any offload failure falls back to the CPU path
// with no observable difference in the result, and is never surfaced to
// the caller.
func (b *Buffer) Sort(useOffload bool, offload OffloadDevice) error {
	if useOffload && offload != nil {
		if err := offload.GPUSort(b.hashes, b.records); err == nil {
			return nil
		}
		// fall through to CPU sort on any offload failure
	}
	quicksortHashes(b.hashes, b.records)
	return nil
}

// Aggregate folds, under merge, every record sharing a key within each
// hash run, so afterwards keys within a hash run are unique. Precondition:
// the buffer is sorted by hash (Sort must have been called first with no
// intervening Append). When offload is used and its aggregate succeeds,
// that result is kept and the CPU pass below is skipped; on any offload
// failure the CPU pass runs instead.
func (b *Buffer) Aggregate(merge MergeFunc, useOffload bool, offload OffloadDevice) error {
	if useOffload && offload != nil {
		if newRecords, newHashes, err := offload.GPUAggregate(b.hashes, b.records, merge); err == nil {
			b.records = newRecords
			b.hashes = newHashes
			return nil
		}
		// fall through to CPU aggregate on any offload failure
	}

	n := len(b.records)
	if n == 0 {
		return nil
	}

	out := make([]Record, 0, n)
	outHashes := make([]uint32, 0, n)

	last := b.records[0]
	for i := 1; i < n; i++ {
		cur := b.records[i]
		if cur.Hash == last.Hash && KeyEqual(cur, last) {
			last = merge(last, cur)
			continue
		}
		if cur.Hash == last.Hash {
			// Colliding keys can interleave within one hash run: fold cur
			// into an earlier output record of the same run carrying its key.
			j := len(out) - 1
			for j >= 0 && out[j].Hash == cur.Hash && !KeyEqual(out[j], cur) {
				j--
			}
			if j >= 0 && out[j].Hash == cur.Hash {
				out[j] = merge(out[j], cur)
				continue
			}
		}
		out = append(out, last)
		outHashes = append(outHashes, last.Hash)
		last = cur
	}
	out = append(out, last)
	outHashes = append(outHashes, last.Hash)

	b.records = out
	b.hashes = outHashes
	return nil
}
