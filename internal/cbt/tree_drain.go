package cbt

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"cbtree/internal/cbterrors"
)

// flush drives every buffer in the tree down to the leaves and collects
// the leaves left to right. It is idempotent: a second call with allFlush
// already true is a no-op.
func (t *CompressTree) flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	if t.allFlush.Load() {
		return nil
	}

	t.draining.Store(true)
	atomic.StoreInt32((*int32)(&t.emptyType), int32(emptyAlways))

	// Let any in-flight sorts and empties settle before consolidating: a
	// root swap still in progress may be handing buffer contents back to
	// the rotating pool.
	if err := t.waitForQuiescence(ctx); err != nil {
		return err
	}

	// The input node is scheduled even when it holds no records: the root
	// swap and subsequent EMPTY cascade it triggers are what push data
	// already parked in internal buffers down to the leaves. inputMu
	// serializes this handoff against a BulkInsert that raced the draining
	// flag.
	t.inputMu.Lock()
	err := t.consolidateStragglers(t.inputNode)
	if err == nil {
		err = t.scheduleSort(t.inputNode)
	}
	t.inputMu.Unlock()
	if err != nil {
		return err
	}

	if err := t.waitForQuiescence(ctx); err != nil {
		return err
	}
	if err := t.engineError(); err != nil {
		return err
	}

	t.rootMu.Lock()
	root := t.root
	t.rootMu.Unlock()

	// Leaf splits late in the cascade can leave an ancestor over the
	// fanout bound with no further empty pass coming to fix it; the
	// pipeline is idle now, so rebalance in place. A split of the root
	// itself promotes a new one, hence the re-read.
	if err := t.rebalance(root); err != nil {
		return err
	}
	t.rootMu.Lock()
	root = t.root
	t.rootMu.Unlock()

	var leaves []*Node
	collectLeaves(root, &leaves)
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].separator < leaves[j].separator })

	elements := 0
	for _, l := range leaves {
		elements += l.buffer.NumElements()
	}
	t.logger.WithFields(logrus.Fields{
		"leaves":   len(leaves),
		"elements": elements,
		"inserted": t.insertedSinceClear.Load(),
	}).Debug("tree flushed to leaves")

	t.drainMu.Lock()
	t.allLeaves = leaves
	t.leafCursor = 0
	t.elemCursor = 0
	t.drainMu.Unlock()

	t.allFlush.Store(true)
	return nil
}

// consolidateStragglers folds into in's buffer any records still parked
// outside the tree proper: rotating pool nodes that inherited a
// root-leaf's contents during an earlier swap, and the root's own buffer
// while the whole tree is still a single leaf. Afterwards one sorted
// batch carries every remaining record down the tree. Callers hold
// inputMu on a quiescent pipeline.
func (t *CompressTree) consolidateStragglers(in *Node) error {
	t.emptyRootMu.Lock()
	for _, n := range t.emptyRootNodes {
		if num := n.buffer.NumElements(); num > 0 {
			if err := in.buffer.CopyFromBuffer(n.buffer, 0, num); err != nil {
				t.emptyRootMu.Unlock()
				return err
			}
			n.buffer.Clear()
		}
	}
	t.emptyRootMu.Unlock()

	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	if t.root.IsLeaf() {
		if num := t.root.buffer.NumElements(); num > 0 {
			if err := in.buffer.CopyFromBuffer(t.root.buffer, 0, num); err != nil {
				return err
			}
			t.root.buffer.Clear()
		}
	}
	return nil
}

// collectLeaves walks the tree left to right (children are always kept in
// ascending separator order), appending every leaf it finds.
func collectLeaves(n *Node, out *[]*Node) {
	if n == nil {
		return
	}
	if n.IsLeaf() {
		*out = append(*out, n)
		return
	}
	for _, c := range n.children {
		collectLeaves(c, out)
	}
}

// waitForQuiescence polls the tree-wide sleep semaphore until every worker
// goroutine across all three pools is parked AND every pool queue is
// drained. Both conditions are needed: a node pushed by addNode sits in a
// queue before the woken goroutine reacquires its permit, so free permits
// alone do not prove the pipeline is idle. A goroutine that holds work
// always holds a permit (workerPool.loop reacquires before popping), so
// the combination implies nothing is in flight anywhere. TryAcquire never
// blocks; this is a spin-poll bounded by a short sleep between attempts.
func (t *CompressTree) waitForQuiescence(ctx context.Context) error {
	for {
		if t.sleepSemaphore.TryAcquire(t.totalWorkers) {
			idle := t.sortPool.queueLen() == 0 &&
				t.mergePool.queueLen() == 0 &&
				t.emptyPool.queueLen() == 0
			t.sleepSemaphore.Release(t.totalWorkers)
			if idle {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// NextValue drains the tree one record at a time in ascending hash order;
// records sharing a hash carry distinct keys in no particular order. The first call triggers a full flush; once every leaf has been
// consumed it tears the engine down permanently, so every later call
// reports ErrEngineClosed -- unlike Clear, which tears down and
// reinitializes so the engine stays usable.
func (t *CompressTree) NextValue(ctx context.Context) (Record, bool, error) {
	if t.closed.Load() {
		return Record{}, false, cbterrors.ErrEngineClosed
	}
	if err := t.engineError(); err != nil {
		return Record{}, false, err
	}

	// Nothing was ever inserted (or the tree was cleared and nothing has
	// been inserted since): exhausted immediately, no flush scheduled, no
	// worker runs.
	if t.empty.Load() {
		t.teardown()
		t.closed.Store(true)
		return Record{}, false, nil
	}

	if !t.allFlush.Load() {
		if err := t.flush(ctx); err != nil {
			return Record{}, false, err
		}
	}

	t.drainMu.Lock()
	for t.leafCursor < len(t.allLeaves) {
		leaf := t.allLeaves[t.leafCursor]
		if t.elemCursor < leaf.buffer.NumElements() {
			r := leaf.buffer.RecordAt(t.elemCursor)
			t.elemCursor++
			t.drainMu.Unlock()
			return r, true, nil
		}
		t.leafCursor++
		t.elemCursor = 0
	}
	t.drainMu.Unlock()

	// Walked past the last leaf: the scan is complete and the engine shuts
	// down for good. teardown reacquires drainMu to reset the cursors, so
	// it must run outside the section above.
	t.teardown()
	t.closed.Store(true)
	return Record{}, false, nil
}

// BulkRead fills out with up to len(out) records via repeated NextValue
// calls, returning the count filled and whether the engine is now
// exhausted.
func (t *CompressTree) BulkRead(ctx context.Context, out []Record) (int, bool, error) {
	for i := range out {
		r, ok, err := t.NextValue(ctx)
		if err != nil {
			return i, false, err
		}
		if !ok {
			return i, true, nil
		}
		out[i] = r
	}
	return len(out), false, nil
}
