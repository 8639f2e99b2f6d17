package cbt

import (
	"github.com/pkg/errors"

	"cbtree/internal/cbterrors"
)

// maxSplitIterations bounds the leaf-resplit loop handleFullLeaves runs.
// Each split strictly shrinks the larger half, so the loop terminates far
// below this bound; the explicit cap turns a would-be infinite loop into
// a reported invariant violation instead.
const maxSplitIterations = 64

// emptyBuffer partitions a non-leaf's sorted, aggregated buffer among its
// children using their separators, or (for a leaf) defers to
// handleFullLeaves by queuing the leaf.
//
// Child scheduling is deferred until after the scan, the buffer release
// and any fanout split have all completed. A scheduled child's own empty
// can split and thereby rewrite this node's children slice; deferring
// keeps the slice stable for the duration of the scan without a lock on
// the hot partitioning path.
func (t *CompressTree) emptyBuffer(n *Node) error {
	if n.IsLeaf() {
		// May run even when the buffer is not full (flushing all buffers
		// during drain); only full leaves need split handling, plus the
		// root when the whole tree is still a single leaf.
		if n.IsFull() || n.IsRoot() {
			t.leavesMu.Lock()
			t.leavesToBeEmptied = append(t.leavesToBeEmptied, n)
			t.leavesMu.Unlock()
		}
		return nil
	}

	buf := n.buffer
	num := buf.NumElements()
	var toEmpty []*Node

	if num == 0 {
		// Nothing to partition, but the cascade must still visit every
		// child: during drain (emptyType ALWAYS) this is what pushes
		// data already sitting in lower buffers the rest of the way down.
		toEmpty = append(toEmpty, n.children...)
	} else {
		curChild := 0
		lastElement := 0
		curElement := 0

		for curElement < num {
			if curChild >= len(n.children) {
				return errors.Wrapf(cbterrors.ErrInvariantViolation,
					"node %d: emptyBuffer walked past last child", n.id)
			}
			child := n.children[curChild]
			for curElement < num && buf.hashes[curElement] <= child.separator {
				curElement++
			}

			if curElement > lastElement {
				if err := child.buffer.CopyFromBuffer(buf, lastElement, curElement); err != nil {
					return err
				}
				lastElement = curElement
			}
			// Every child the scan passes is visited exactly once,
			// whether or not it received data this pass.
			toEmpty = append(toEmpty, child)
			curChild++
		}

		toEmpty = append(toEmpty, n.children[curChild:]...)

		if n.IsRoot() {
			n.buffer.Clear()
		} else {
			n.buffer.Deallocate()
		}
	}

	// Leaf splits from earlier passes can have pushed the child count past
	// the fanout bound.
	t.splitMu.Lock()
	if len(n.children) > t.cfg.FanoutB {
		if err := t.splitNonLeaf(n); err != nil {
			t.splitMu.Unlock()
			return err
		}
	}
	t.splitMu.Unlock()

	for _, c := range toEmpty {
		if err := t.emptyIfNecessary(c); err != nil {
			return err
		}
	}
	return nil
}

// handleFullLeaves drains the tree's pending-split leaf queue, splitting
// any leaf that is still full, resplitting the resulting halves up to
// maxSplitIterations times each. Run synchronously inside the Emptier
// right after emptyBuffer, so the tree topology is stable while this
// runs.
func (t *CompressTree) handleFullLeaves() error {
	t.leavesMu.Lock()
	pending := t.leavesToBeEmptied
	t.leavesToBeEmptied = nil
	t.leavesMu.Unlock()

	t.splitMu.Lock()
	defer t.splitMu.Unlock()

	work := append([]*Node(nil), pending...)
	for len(work) > 0 {
		leaf := work[0]
		work = work[1:]

		iterations := 0
		for leaf.IsFull() {
			if iterations >= maxSplitIterations {
				return errors.Wrapf(cbterrors.ErrInvariantViolation,
					"node %d: exceeded %d split iterations, still full", leaf.id, maxSplitIterations)
			}
			iterations++

			newLeaf, err := t.splitLeaf(leaf)
			if err != nil {
				return err
			}
			if newLeaf.IsFull() {
				work = append(work, newLeaf)
			}
			// loop again to recheck leaf itself; it may still be full if
			// the incoming partition vastly exceeded B_threshold.
		}
	}
	return nil
}

// rebalance splits any node whose child count exceeds the fanout bound,
// bottom-up. Leaf splits attach children to a parent after that parent's
// own fanout check has already run, so a node can end a cascade over the
// bound; its next empty pass would fix it, but the drain path calls this
// on the quiescent tree instead so the scanned tree always honors the
// bound. Must only run while no worker is active.
func (t *CompressTree) rebalance(n *Node) error {
	if n == nil || n.IsLeaf() {
		return nil
	}
	// Indexed loop: a child's own split inserts its new sibling right
	// after it in this slice, and that sibling needs visiting too.
	for i := 0; i < len(n.children); i++ {
		if err := t.rebalance(n.children[i]); err != nil {
			return err
		}
	}
	t.splitMu.Lock()
	defer t.splitMu.Unlock()
	for len(n.children) > t.cfg.FanoutB {
		if err := t.splitNonLeaf(n); err != nil {
			return err
		}
	}
	return nil
}

// splitLeaf splits a full leaf in two. The split index starts at num/2 and
// advances past any hash run straddling it, so a run of equal hashes is
// never divided between the two leaves. It aborts with an invariant
// violation if every element shares one hash (the run spans the whole
// buffer and no split point exists).
func (t *CompressTree) splitLeaf(leaf *Node) (*Node, error) {
	buf := leaf.buffer
	num := buf.NumElements()
	if num < 2 {
		return nil, errors.Wrapf(cbterrors.ErrInvariantViolation,
			"node %d: splitLeaf called on a leaf with fewer than 2 elements", leaf.id)
	}

	splitIndex := num / 2
	if splitIndex == 0 {
		splitIndex = 1
	}
	for splitIndex < num && buf.hashes[splitIndex] == buf.hashes[splitIndex-1] {
		splitIndex++
	}
	if splitIndex >= num {
		return nil, errors.Wrapf(cbterrors.ErrInvariantViolation,
			"node %d: splitLeaf found a single hash run spanning the entire buffer", leaf.id)
	}

	newBuf, err := NewBuffer(t.cfg.BufferMax, t.cfg.BufferThreshold)
	if err != nil {
		return nil, errors.Wrapf(cbterrors.ErrOutOfMemory, "cbt: allocate split leaf buffer: %v", err)
	}
	if err := newBuf.CopyFromBuffer(buf, splitIndex, num); err != nil {
		return nil, err
	}

	id := t.nextNodeID.Add(1)
	newLeaf := newNode(id, leaf.level, leaf.separator, newBuf)

	// Keep the lower half in place; its inclusive upper bound is the
	// largest hash it actually retains (hashes[splitIndex-1]), not
	// hashes[splitIndex] itself, so a future record with that boundary
	// hash routes to the leaf that already holds its hash-mates rather
	// than the freshly split-off one.
	newSeparator := buf.hashes[splitIndex-1]
	trimmed, err := NewBuffer(t.cfg.BufferMax, t.cfg.BufferThreshold)
	if err != nil {
		return nil, errors.Wrapf(cbterrors.ErrOutOfMemory, "cbt: allocate trimmed leaf buffer: %v", err)
	}
	if err := trimmed.CopyFromBuffer(buf, 0, splitIndex); err != nil {
		return nil, err
	}
	leaf.buffer = trimmed
	leaf.separator = newSeparator

	t.metrics.incSplit("leaf")
	return t.attachSibling(leaf, newLeaf)
}

// splitNonLeaf splits a non-leaf whose child count exceeds FanoutB.
// Precondition: the node's own buffer is empty (guaranteed by emptyBuffer
// having just cleared/deallocated it).
func (t *CompressTree) splitNonLeaf(n *Node) error {
	total := len(n.children)
	moveFrom := (total + 1 + 1) / 2 // ceil((n+1)/2)
	if moveFrom >= total {
		moveFrom = total - 1
	}
	if moveFrom < 1 {
		moveFrom = 1
	}

	moved := n.children[moveFrom:]
	n.children = n.children[:moveFrom:moveFrom]

	id := t.nextNodeID.Add(1)
	buf, err := NewBuffer(t.cfg.BufferMax, t.cfg.BufferThreshold)
	if err != nil {
		return errors.Wrapf(cbterrors.ErrOutOfMemory, "cbt: allocate sibling buffer: %v", err)
	}
	sibling := newNode(id, n.level, n.separator, buf)
	sibling.children = append([]*Node(nil), moved...)
	for _, c := range sibling.children {
		c.parent = sibling
	}

	n.separator = n.children[len(n.children)-1].separator

	t.metrics.incSplit("non_leaf")
	_, err = t.attachSibling(n, sibling)
	return err
}

// attachSibling wires newNode in next to old in old's parent's children
// list, or promotes both into a brand new root if old had no parent.
// Returns newNode for callers that want to keep operating on it (leaf
// resplitting).
func (t *CompressTree) attachSibling(old, newNode *Node) (*Node, error) {
	if old.IsRoot() {
		if err := t.createNewRoot(old, newNode); err != nil {
			return nil, err
		}
		return newNode, nil
	}

	parent := old.parent
	newNode.parent = parent

	children := make([]*Node, 0, len(parent.children)+1)
	inserted := false
	for _, c := range parent.children {
		children = append(children, c)
		if c == old {
			children = append(children, newNode)
			inserted = true
		}
	}
	if !inserted {
		children = append(children, newNode)
	}
	parent.children = children
	return newNode, nil
}

// createNewRoot promotes oldRoot and other into a brand new root at
// level+1 whose separator admits every hash.
func (t *CompressTree) createNewRoot(oldRoot, other *Node) error {
	buf, err := NewBuffer(t.cfg.BufferMax, t.cfg.BufferThreshold)
	if err != nil {
		return errors.Wrapf(cbterrors.ErrOutOfMemory, "cbt: allocate new root buffer: %v", err)
	}
	id := t.nextNodeID.Add(1)
	newRoot := newNode(id, oldRoot.level+1, maxSeparator, buf)
	newRoot.children = []*Node{oldRoot, other}
	oldRoot.parent = newRoot
	other.parent = newRoot

	t.rootMu.Lock()
	t.root = newRoot
	t.rootMu.Unlock()
	return nil
}
