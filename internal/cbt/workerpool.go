package cbt

import (
	"container/heap"
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// workFunc is a worker pool's entry point for a dequeued node.
type workFunc func(n *Node)

// workerPool is a fixed number of goroutines draining a priority queue of
// nodes keyed by level, sleeping when the queue is empty and waking on
// addNode.
//
// Each goroutine holds one permit of a tree-wide sleepSemaphore while
// awake and releases it while parked on the condition variable. The tree
// uses the semaphore's free-permit count to detect pipeline quiescence
// across all three pools without a dedicated bitmask per pool.
type workerPool struct {
	name   string
	logger logrus.FieldLogger
	work   workFunc

	mu    sync.Mutex
	cond  *sync.Cond
	queue nodeHeap

	threads       int
	sleepSem      *semaphore.Weighted
	inputComplete bool
	wg            sync.WaitGroup
}

func newWorkerPool(name string, threads int, work workFunc, sleepSem *semaphore.Weighted, logger logrus.FieldLogger) *workerPool {
	p := &workerPool{
		name:     name,
		logger:   logger.WithField("pool", name),
		work:     work,
		threads:  threads,
		sleepSem: sleepSem,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// start launches the pool's fixed set of goroutines, each claiming one
// sleepSemaphore permit up front (every goroutine begins awake).
func (p *workerPool) start() {
	for i := 0; i < p.threads; i++ {
		if err := p.sleepSem.Acquire(context.Background(), 1); err != nil {
			// Acquire on a context.Background() with room in the weighted
			// semaphore for every caller cannot fail; guard anyway so a
			// future refactor doesn't silently wedge the pool.
			panic(err)
		}
		p.wg.Add(1)
		go p.loop()
	}
}

// addNode pushes n onto the pool's queue and wakes one sleeping goroutine.
func (p *workerPool) addNode(n *Node) {
	p.mu.Lock()
	heap.Push(&p.queue, n)
	p.mu.Unlock()
	p.cond.Signal()
}

// loop is a single worker goroutine: release the sleep permit and park on
// the condition variable while the queue is empty, reacquire it on wake,
// then drain the queue item by item via work(n).
//
// The permit is always reacquired before an item is popped. Quiescence
// detection in tree_drain.go relies on this: a free permit means the
// goroutine holds no work, so "all permits free and all queues empty"
// implies nothing is in flight anywhere.
func (p *workerPool) loop() {
	defer p.wg.Done()

	asleep := false
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.inputComplete {
			if !asleep {
				// Release never blocks, so holding mu here is fine and
				// closes the window where a Signal from addNode could
				// land between releasing the permit and parking.
				p.sleepSem.Release(1)
				asleep = true
			}
			p.cond.Wait()
		}

		if p.queue.Len() == 0 {
			// inputComplete with nothing left to do
			p.mu.Unlock()
			if !asleep {
				p.sleepSem.Release(1)
			}
			return
		}

		if asleep {
			p.mu.Unlock()
			if err := p.sleepSem.Acquire(context.Background(), 1); err != nil {
				panic(err)
			}
			asleep = false
			p.mu.Lock()
			if p.queue.Len() == 0 {
				// another goroutine claimed the item while we reacquired
				p.mu.Unlock()
				continue
			}
		}

		n := heap.Pop(&p.queue).(*Node)
		p.mu.Unlock()

		p.work(n)
	}
}

// stop signals input-complete and wakes every goroutine once; a woken
// goroutine that observes inputComplete with an empty queue exits. Blocks
// until all goroutines have exited.
func (p *workerPool) stop() {
	p.mu.Lock()
	p.inputComplete = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.WithField("threads", p.threads).Debug("worker pool stopped")
}

// queueLen reports the number of nodes currently queued.
func (p *workerPool) queueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}
