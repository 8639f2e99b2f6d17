package cbt

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"cbtree/internal/cbterrors"
)

// QueueStatus is a node's position in the NONE -> SORT -> EMPTY -> NONE
// or NONE -> MERGE -> EMPTY -> NONE action state machine. Apart from
// NONE -> EMPTY on a root node (the root swap), no transition outside
// those two chains is valid; Node.setStatus asserts this.
type QueueStatus int32

const (
	StatusNone QueueStatus = iota
	StatusSort
	StatusMerge
	StatusEmpty
)

func (s QueueStatus) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusSort:
		return "SORT"
	case StatusMerge:
		return "MERGE"
	case StatusEmpty:
		return "EMPTY"
	default:
		return "UNKNOWN"
	}
}

// maxSeparator is the inclusive upper bound used for the root's separator:
// every 32-bit hash is admissible in the subtree rooted at the tree root.
const maxSeparator uint32 = 0xFFFFFFFF

// spinlock is a small CAS-based mutual exclusion primitive guarding a
// Node's queueStatus. It is not fair and is only appropriate for the very
// short critical sections status transitions involve.
type spinlock struct {
	held atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() {
	s.held.Store(false)
}

// Node holds one Buffer, its ordered children, a parent back-reference, its
// level (0 at leaves, increasing toward the root), a tree-wide id, the
// inclusive hash upper bound admissible in its subtree, and the scheduling
// state the three worker pools coordinate through.
type Node struct {
	id        int64
	level     int
	separator uint32

	buffer   *Buffer
	children []*Node
	parent   *Node

	statusLock  spinlock
	queueStatus QueueStatus

	condMu    sync.Mutex
	emptyCond *sync.Cond
	mergeCond *sync.Cond
}

func newNode(id int64, level int, separator uint32, buf *Buffer) *Node {
	n := &Node{
		id:        id,
		level:     level,
		separator: separator,
		buffer:    buf,
	}
	n.emptyCond = sync.NewCond(&n.condMu)
	n.mergeCond = sync.NewCond(&n.condMu)
	return n
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return len(n.children) == 0
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool {
	return n.parent == nil
}

// IsFull reports whether the node's buffer has crossed its fullness
// watermark.
func (n *Node) IsFull() bool {
	return n.buffer.IsFull()
}

// Insert appends r to the node's buffer. Precondition: !n.IsFull().
func (n *Node) Insert(r Record) error {
	if n.IsFull() {
		return errors.Wrapf(cbterrors.ErrInvariantViolation,
			"node %d: insert into full node", n.id)
	}
	return n.buffer.Append(r)
}

// Status reads the current queueStatus under the node's spinlock.
func (n *Node) Status() QueueStatus {
	n.statusLock.Lock()
	s := n.queueStatus
	n.statusLock.Unlock()
	return s
}

// setStatus transitions queueStatus, asserting it follows one of the
// valid chains: NONE->SORT->EMPTY->NONE or NONE->MERGE->EMPTY->NONE. The
// tree's single persistent root node is the one exception: its buffer
// never itself passes through SORT (the freshly sorted buffer it receives
// was sorted on a different, now-recycled node), so NONE->EMPTY is also
// valid -- that is the root-swap linearization in workers.go.
func (n *Node) setStatus(next QueueStatus) error {
	n.statusLock.Lock()
	cur := n.queueStatus
	valid := false
	switch next {
	case StatusSort, StatusMerge:
		valid = cur == StatusNone
	case StatusEmpty:
		valid = cur == StatusSort || cur == StatusMerge || (cur == StatusNone && n.IsRoot())
	case StatusNone:
		valid = cur == StatusEmpty
	}
	if valid {
		n.queueStatus = next
	}
	n.statusLock.Unlock()

	if !valid {
		return errors.Wrapf(cbterrors.ErrInvariantViolation,
			"node %d: invalid queueStatus transition %s -> %s", n.id, cur, next)
	}
	return nil
}

// resetStatus unconditionally returns the node to NONE, bypassing the
// transition check. Only the root handover uses it: once a sorted node's
// buffer has been swapped onto the root, the EMPTY half of its lifecycle
// continues under the root's identity and this node rejoins the
// empty-root pool with no action pending.
func (n *Node) resetStatus() {
	n.statusLock.Lock()
	n.queueStatus = StatusNone
	n.statusLock.Unlock()
}

// wait blocks until queueStatus transitions out of action. Idempotent: if
// the node is not currently in action, it returns immediately. This is the
// private rendezvous the Emptier uses to wait for a pending Merger before
// starting its own work on the same node.
func (n *Node) wait(action QueueStatus) {
	n.condMu.Lock()
	defer n.condMu.Unlock()

	cond := n.condFor(action)
	if cond == nil {
		return
	}
	for n.Status() == action {
		cond.Wait()
	}
}

// done signals the condition variable associated with action, waking any
// worker blocked in wait(action).
func (n *Node) done(action QueueStatus) {
	n.condMu.Lock()
	defer n.condMu.Unlock()

	if cond := n.condFor(action); cond != nil {
		cond.Broadcast()
	}
}

func (n *Node) condFor(action QueueStatus) *sync.Cond {
	switch action {
	case StatusEmpty:
		return n.emptyCond
	case StatusMerge:
		return n.mergeCond
	default:
		return nil
	}
}
