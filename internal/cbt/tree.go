package cbt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"cbtree/internal/cbterrors"
)

// emptyMode controls whether Node.emptyIfNecessary only schedules a
// partition pass for full buffers (emptyNormal, the steady-state ingest
// behavior) or unconditionally (emptyAlways, used once during drain to
// force every buffer down to the leaves).
type emptyMode int32

const (
	emptyNormal emptyMode = iota
	emptyAlways
)

// CompressTree is the engine's front door: the ingest path, root-buffer
// rotation, tree lifecycle, and the flush-and-scan drain.
type CompressTree struct {
	cfg     Config
	logger  logrus.FieldLogger
	metrics *Metrics

	nextNodeID atomic.Int64

	// rootMu guards root, rootAvailable and sortedNodes: the linearization
	// point between a finished sort and the root handover to the emptier.
	rootMu        sync.Mutex
	root          *Node
	rootAvailable bool
	sortedNodes   []*Node

	// inputMu guards the node the ingest thread is currently writing to.
	inputMu   sync.Mutex
	inputNode *Node

	// emptyRootMu/emptyRootCond guard the pool of pre-allocated empty root
	// buffers the ingest thread rotates through; back-pressure on ingest is
	// exactly the wait on emptyRootCond when the pool is drained.
	emptyRootMu    sync.Mutex
	emptyRootCond  *sync.Cond
	emptyRootNodes []*Node

	dag *priorityDAG

	sortPool  *workerPool
	mergePool *workerPool
	emptyPool *workerPool

	// sleepSemaphore is tree-wide: every worker goroutine across all three
	// pools holds one permit while awake and releases it while parked.
	// Quiescence needs all permits free and every pool queue empty (see
	// waitForQuiescence).
	sleepSemaphore *semaphore.Weighted
	totalWorkers   int64

	emptyType emptyMode

	leavesMu          sync.Mutex
	leavesToBeEmptied []*Node

	// splitMu serializes all topology mutations (leaf splits, non-leaf
	// splits, root promotion): two emptier goroutines may otherwise split
	// leaves under the same parent concurrently.
	splitMu sync.Mutex

	allFlush atomic.Bool
	empty    atomic.Bool // true iff no insertion has happened since the last Clear

	// insertedSinceClear counts records accepted by BulkInsert since the
	// last Clear, reported by flush so a drain can be cross-checked
	// against what actually went in.
	insertedSinceClear atomic.Int64

	closed   atomic.Bool
	draining atomic.Bool

	// errMu/engineErr hold the first unrecoverable error a worker hit; it
	// is surfaced at the next public entry point instead of being silently
	// swallowed inside the pipeline.
	errMu     sync.Mutex
	engineErr error

	flushMu    sync.Mutex
	drainMu    sync.Mutex
	allLeaves  []*Node
	leafCursor int
	elemCursor int

	cycleMgr *cycleManager
}

// New constructs a CompressTree from cfg, validating it first. logger may
// be nil (a discard logger is substituted); metrics may be nil (all
// metrics calls become no-ops).
func New(cfg Config, logger logrus.FieldLogger, metrics *Metrics) (*CompressTree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "cbt: invalid config")
	}
	if logger == nil {
		logger = newDiscardLogger()
	}

	total := int64(cfg.SortWorkers + cfg.MergeWorkers + cfg.EmptyWorkers)

	t := &CompressTree{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		sleepSemaphore: semaphore.NewWeighted(total),
		totalWorkers:   total,
	}
	t.emptyRootCond = sync.NewCond(&t.emptyRootMu)

	if err := t.initialize(); err != nil {
		return nil, err
	}
	return t, nil
}

// newDiscardLogger returns a logrus logger with output suppressed, used
// when the caller does not supply one.
func newDiscardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// initialize (re)builds the tree's pools, root, and empty-root pool. It is
// shared by New and Clear so a cleared tree comes back into exactly the
// same ready state a freshly constructed one would.
func (t *CompressTree) initialize() error {
	t.dag = newPriorityDAG()

	if t.cfg.Offload != nil {
		// Clear re-runs initialize; only wrap the device once.
		if _, wrapped := t.cfg.Offload.(*serializedOffloadDevice); !wrapped {
			t.cfg.Offload = NewSerializedOffloadDevice(t.cfg.Offload)
		}
	}

	t.sortPool = newWorkerPool("sorter", t.cfg.SortWorkers, t.sorterWork, t.sleepSemaphore, t.logger)
	t.mergePool = newWorkerPool("merger", t.cfg.MergeWorkers, t.mergerWork, t.sleepSemaphore, t.logger)
	t.emptyPool = newWorkerPool("emptier", t.cfg.EmptyWorkers, t.emptierWork, t.sleepSemaphore, t.logger)

	t.emptyRootNodes = nil
	for i := 0; i < t.cfg.EmptyRootPoolSize; i++ {
		n, err := t.newRootBuffer()
		if err != nil {
			return err
		}
		t.emptyRootNodes = append(t.emptyRootNodes, n)
	}

	// The persistent root is its own node, distinct from the rotating
	// input nodes: the ingest thread only ever writes input nodes, and the
	// root swap in workers.go exchanges buffers, never node identity.
	root, err := t.newRootBuffer()
	if err != nil {
		return err
	}
	t.root = root
	t.rootAvailable = true
	t.sortedNodes = nil

	t.inputNode = t.getEmptyRootNode()
	t.leavesToBeEmptied = nil
	t.allLeaves = nil
	t.leafCursor = 0
	t.elemCursor = 0
	atomic.StoreInt32((*int32)(&t.emptyType), int32(emptyNormal))

	t.sortPool.start()
	t.mergePool.start()
	t.emptyPool.start()

	t.empty.Store(true)
	t.insertedSinceClear.Store(0)
	t.allFlush.Store(false)
	t.draining.Store(false)
	t.closed.Store(false)

	t.errMu.Lock()
	t.engineErr = nil
	t.errMu.Unlock()

	t.cycleMgr = newCycleManager(250*time.Millisecond, t.sampleMetricsCycle)
	if t.metrics != nil {
		t.cycleMgr.start()
	}
	return nil
}

func (t *CompressTree) newRootBuffer() (*Node, error) {
	buf, err := NewBuffer(t.cfg.BufferMax, t.cfg.BufferThreshold)
	if err != nil {
		return nil, errors.Wrapf(cbterrors.ErrOutOfMemory, "cbt: allocate root buffer: %v", err)
	}
	id := t.nextNodeID.Add(1)
	return newNode(id, 0, maxSeparator, buf), nil
}

func (t *CompressTree) sampleMetricsCycle(shouldBreak ShouldBreakFunc) bool {
	if t.metrics == nil || shouldBreak() {
		return false
	}
	// The fill-ratio read must stay under inputMu: once flush hands the
	// input node to the sorter (which it does under this lock, after
	// setting draining) its buffer belongs to a worker goroutine.
	t.inputMu.Lock()
	if t.inputNode != nil && !t.draining.Load() {
		ratio := float64(t.inputNode.buffer.NumElements()) / float64(t.cfg.BufferThreshold)
		t.metrics.observeFillRatio(ratio)
	}
	t.inputMu.Unlock()

	t.dag.mu.Lock()
	enabled, disabled := t.dag.enabled.Len(), len(t.dag.disabled)
	t.dag.mu.Unlock()
	t.metrics.observeDAG(enabled, disabled)
	return true
}

// getEmptyRootNode pops a pre-allocated empty root from the pool, blocking
// on emptyRootCond if none is currently available. This is the ingest
// thread's only suspension point; the engine has no cancellation at the
// data plane, so the wait is unconditional.
func (t *CompressTree) getEmptyRootNode() *Node {
	t.emptyRootMu.Lock()
	defer t.emptyRootMu.Unlock()

	for len(t.emptyRootNodes) == 0 {
		t.emptyRootCond.Wait()
	}
	n := t.emptyRootNodes[0]
	t.emptyRootNodes = t.emptyRootNodes[1:]
	return n
}

// addEmptyRootNode returns n to the pool and wakes one waiter. Its buffer
// is deliberately NOT cleared: while the whole tree is still a single
// leaf, a root swap hands the leaf's previous contents back here, and
// those records ride through the ingest path again (appended to, resorted,
// reaggregated) until the tree grows past one leaf or flush consolidates
// them.
func (t *CompressTree) addEmptyRootNode(n *Node) {
	n.resetStatus()
	n.parent = nil
	n.children = nil
	n.level = 0
	n.separator = maxSeparator

	t.emptyRootMu.Lock()
	t.emptyRootNodes = append(t.emptyRootNodes, n)
	t.emptyRootMu.Unlock()
	t.emptyRootCond.Signal()
}

// setEngineErr records the first unrecoverable error a worker hit. Later
// errors are dropped: the pipeline state is already suspect, and the first
// failure is the one that explains the rest.
func (t *CompressTree) setEngineErr(err error) {
	if err == nil {
		return
	}
	t.errMu.Lock()
	if t.engineErr == nil {
		t.engineErr = err
	}
	t.errMu.Unlock()
}

func (t *CompressTree) engineError() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.engineErr
}

// Insert is the n=1 convenience form of BulkInsert.
func (t *CompressTree) Insert(r Record) error {
	return t.BulkInsert([]Record{r})
}

// BulkInsert appends each record to the current input node, rotating to a
// fresh empty root and scheduling the full one for sorting whenever the
// input node crosses its fullness watermark. Amortized O(1) per record. A
// failed call leaves exactly the records successfully appended so far; the
// caller may retry or discard the remainder.
func (t *CompressTree) BulkInsert(records []Record) error {
	if t.closed.Load() {
		return cbterrors.ErrEngineClosed
	}
	if t.draining.Load() {
		return cbterrors.ErrDraining
	}
	if err := t.engineError(); err != nil {
		return err
	}

	t.inputMu.Lock()
	defer t.inputMu.Unlock()

	// Re-check under inputMu: flush claims the input node under this same
	// lock after setting draining, so a BulkInsert that raced past the
	// check above must not write into a node the sorter now owns.
	if t.draining.Load() {
		return cbterrors.ErrDraining
	}

	for _, r := range records {
		if t.inputNode.IsFull() {
			full := t.inputNode
			if err := t.scheduleSort(full); err != nil {
				return err
			}
			t.inputNode = t.getEmptyRootNode()
		}
		if err := t.inputNode.Insert(r); err != nil {
			return err
		}
		t.insertedSinceClear.Add(1)
		t.empty.Store(false)
	}
	return nil
}

// scheduleSort transitions n to SORT and hands it to the sorter pool.
func (t *CompressTree) scheduleSort(n *Node) error {
	if err := n.setStatus(StatusSort); err != nil {
		return err
	}
	t.metrics.observeStatus(StatusSort, 1)
	t.sortPool.addNode(n)
	return nil
}

// scheduleMerge transitions n to MERGE and hands it to the merger pool.
func (t *CompressTree) scheduleMerge(n *Node) error {
	if err := n.setStatus(StatusMerge); err != nil {
		return err
	}
	t.metrics.observeStatus(StatusMerge, 1)
	t.mergePool.addNode(n)
	return nil
}

// scheduleEmpty transitions n to EMPTY, inserts it into the priority DAG,
// and pulls any now-enabled node onto the emptier pool's queue. splitMu
// keeps n.children stable while the DAG snapshots the pending child set: a
// child enqueued by an earlier pass may be mid-empty and splitting right
// now. Lock order is always splitMu before rootMu, never the reverse.
func (t *CompressTree) scheduleEmpty(n *Node) error {
	t.splitMu.Lock()
	defer t.splitMu.Unlock()
	return t.scheduleEmptyLocked(n)
}

// scheduleEmptyLocked is scheduleEmpty for callers already holding splitMu
// (the root handover, which holds splitMu and rootMu together).
func (t *CompressTree) scheduleEmptyLocked(n *Node) error {
	if err := n.setStatus(StatusEmpty); err != nil {
		return err
	}
	t.metrics.observeStatus(StatusEmpty, 1)
	t.dag.insert(n)
	t.drainEnabledToPool()
	return nil
}

// drainEnabledToPool moves every currently-enabled DAG node onto the
// emptier pool's queue. Called after any DAG state change that might have
// enabled new nodes (scheduleEmpty, or a child's post() call).
func (t *CompressTree) drainEnabledToPool() {
	for {
		n, ok := t.dag.pop()
		if !ok {
			return
		}
		t.emptyPool.addNode(n)
	}
}

// emptyIfNecessary schedules a MERGE (which itself schedules an EMPTY once
// sorted) iff the node's buffer is full, or unconditionally when the tree's
// emptyType is emptyAlways (the flush path).
func (t *CompressTree) emptyIfNecessary(n *Node) error {
	if n.IsFull() || emptyMode(atomic.LoadInt32((*int32)(&t.emptyType))) == emptyAlways {
		return t.scheduleMerge(n)
	}
	return nil
}

// teardown stops the worker pools and drops every node the tree currently
// owns. The three pools are joined via an ErrorGroupWrapper so a panic
// recovered in one pool's shutdown goroutine is reported instead of
// silently racing the others.
func (t *CompressTree) teardown() {
	t.cycleMgr.stopAndWait()

	egw := cbterrors.NewErrorGroupWrapper(t.logger.WithField("action", "teardown"))
	egw.Go(func() error { t.sortPool.stop(); return nil })
	egw.Go(func() error { t.mergePool.stop(); return nil })
	egw.Go(func() error { t.emptyPool.stop(); return nil })
	if err := egw.Wait(); err != nil {
		t.logger.WithError(err).Error("worker pool teardown reported an error")
	}

	t.rootMu.Lock()
	t.root = nil
	t.sortedNodes = nil
	t.rootMu.Unlock()

	t.emptyRootMu.Lock()
	t.emptyRootNodes = nil
	t.emptyRootMu.Unlock()

	t.leavesMu.Lock()
	t.leavesToBeEmptied = nil
	t.leavesMu.Unlock()

	t.drainMu.Lock()
	t.allLeaves = nil
	t.leafCursor = 0
	t.elemCursor = 0
	t.drainMu.Unlock()
}

// Clear tears the tree down and immediately brings it back to a fresh,
// empty, ready-to-use state: the worker pools are stopped and restarted,
// every node reference is dropped (the node arena is released wholesale
// once the root pointer goes), and a new root plus empty-root pool is
// allocated. Insert, Clear, insert again, drain: only the second batch
// appears in the output.
func (t *CompressTree) Clear() error {
	t.teardown()
	return t.initialize()
}
