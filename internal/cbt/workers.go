package cbt

// The three worker entry points the pools built in initialize() dispatch
// into, plus the sorted-node handover the sorter and emptier use to swap
// freshly sorted buffers onto the tree's single logical root and return
// drained nodes to the rotating empty-root pool.

// sorterWork sorts and aggregates a just-rotated-out input buffer, then
// hands it to addToSorted to become (or queue behind) the next root.
func (t *CompressTree) sorterWork(n *Node) {
	logger := t.logger.WithField("node", n.id).WithField("action", "sort")

	if err := n.buffer.Sort(t.cfg.UseOffload, t.cfg.Offload); err != nil {
		logger.WithError(err).Error("buffer sort failed")
		t.setEngineErr(err)
		return
	}
	if err := n.buffer.Aggregate(t.cfg.Merge, t.cfg.UseOffload, t.cfg.Offload); err != nil {
		logger.WithError(err).Error("buffer aggregate failed")
		t.setEngineErr(err)
		return
	}

	t.metrics.observeStatus(StatusSort, -1)

	if err := t.addToSorted(n); err != nil {
		logger.WithError(err).Error("add to sorted failed")
		t.setEngineErr(err)
	}
}

// mergerWork sorts and aggregates a full non-root node's buffer in place,
// then schedules it for emptying into its children.
func (t *CompressTree) mergerWork(n *Node) {
	logger := t.logger.WithField("node", n.id).WithField("action", "merge")

	if err := n.buffer.Sort(t.cfg.UseOffload, t.cfg.Offload); err != nil {
		logger.WithError(err).Error("buffer sort failed")
		t.setEngineErr(err)
		n.done(StatusMerge)
		return
	}
	if err := n.buffer.Aggregate(t.cfg.Merge, t.cfg.UseOffload, t.cfg.Offload); err != nil {
		logger.WithError(err).Error("buffer aggregate failed")
		t.setEngineErr(err)
		n.done(StatusMerge)
		return
	}

	t.metrics.observeStatus(StatusMerge, -1)

	if err := t.scheduleEmpty(n); err != nil {
		logger.WithError(err).Error("schedule empty failed")
		t.setEngineErr(err)
	}
	n.done(StatusMerge)
}

// emptierWork waits out any merge still in flight on n (a node can reach
// EMPTY via either the Sorter's root swap or the Merger's own scheduling),
// partitions n's buffer into its children (or queues it for a leaf split),
// resets n to NONE, and notifies the DAG so any child n was blocking can
// now run.
func (t *CompressTree) emptierWork(n *Node) {
	logger := t.logger.WithField("node", n.id).WithField("action", "empty")

	n.wait(StatusMerge)

	isRoot := n.IsRoot()
	isLeaf := n.IsLeaf()

	if err := t.emptyBuffer(n); err != nil {
		logger.WithError(err).Error("empty buffer failed")
		t.setEngineErr(err)
	}
	if isLeaf {
		if err := t.handleFullLeaves(); err != nil {
			logger.WithError(err).Error("handle full leaves failed")
			t.setEngineErr(err)
		}
	}

	if err := n.setStatus(StatusNone); err != nil {
		logger.WithError(err).Error("reset status failed")
		t.setEngineErr(err)
	}
	t.metrics.observeStatus(StatusEmpty, -1)
	t.metrics.incEmpty()

	if !isRoot {
		// splitMu also guards parent pointers: a sibling's split may be
		// reparenting n right now.
		t.splitMu.Lock()
		t.dag.post(n)
		t.splitMu.Unlock()
		t.drainEnabledToPool()
	}
	n.done(StatusEmpty)

	if isRoot {
		if err := t.submitNextNodeForEmptying(); err != nil {
			logger.WithError(err).Error("submit next node for emptying failed")
			t.setEngineErr(err)
		}
	}
}

// addToSorted is the sorter's half of the root-swap linearization: if no
// root swap is currently pending, n becomes the next one immediately;
// otherwise it queues behind whichever swap is in flight, FIFO. splitMu
// comes before rootMu, matching every other site that holds both.
func (t *CompressTree) addToSorted(n *Node) error {
	t.splitMu.Lock()
	defer t.splitMu.Unlock()
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	if t.rootAvailable {
		return t.submitNodeForEmptyingLocked(n)
	}
	t.sortedNodes = append(t.sortedNodes, n)
	return nil
}

// submitNodeForEmptyingLocked atomically swaps the tree's root buffer with
// n's freshly sorted one, schedules EMPTY on the (unchanged-identity) root
// node, and returns n -- now holding whatever the root's buffer was before
// the swap -- to the empty-root pool. Callers must hold splitMu and
// rootMu.
func (t *CompressTree) submitNodeForEmptyingLocked(n *Node) error {
	root := t.root
	root.buffer, n.buffer = n.buffer, root.buffer
	t.rootAvailable = false

	if err := t.scheduleEmptyLocked(root); err != nil {
		return err
	}
	t.addEmptyRootNode(n)
	return nil
}

// submitNextNodeForEmptying runs after the root finishes its own EMPTY
// pass: if another sorted buffer is waiting, it becomes the new root swap
// immediately; otherwise the root goes back to being available for the
// next sorter that finishes.
func (t *CompressTree) submitNextNodeForEmptying() error {
	t.splitMu.Lock()
	defer t.splitMu.Unlock()
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	if len(t.sortedNodes) == 0 {
		t.rootAvailable = true
		return nil
	}
	next := t.sortedNodes[0]
	t.sortedNodes = t.sortedNodes[1:]
	return t.submitNodeForEmptyingLocked(next)
}
