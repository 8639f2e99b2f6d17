package cbt

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
)

func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

func rec(key string, value uint64) Record {
	return NewRecord(hashKey(key), []byte(key), value)
}

func smallConfig() Config {
	return Config{
		FanoutB:           4,
		BufferMax:         64,
		BufferThreshold:   16,
		EmptyRootPoolSize: 4,
		SortWorkers:       2,
		MergeWorkers:      2,
		EmptyWorkers:      2,
		Merge:             SumMerge,
	}
}

func newTestTree(t *testing.T, cfg Config) *CompressTree {
	t.Helper()
	logger, _ := test.NewNullLogger()
	tree, err := New(cfg, logger, NewMetrics(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tree
}

func drainAllRecords(t *testing.T, tree *CompressTree) []Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out []Record
	for {
		r, ok, err := tree.NextValue(ctx)
		if err != nil {
			t.Fatalf("NextValue: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

// checkOrderInvariant verifies the drain ordering contract: output is
// non-decreasing in hash, and within any equal-hash run keys are pairwise
// distinct.
func checkOrderInvariant(t *testing.T, out []Record) {
	t.Helper()
	runKeys := map[[KeySize]byte]bool{}
	for i := 0; i < len(out); i++ {
		cur := out[i]
		if i > 0 && out[i-1].Hash > cur.Hash {
			t.Fatalf("order invariant violated at %d: hash decreased %d -> %d", i, out[i-1].Hash, cur.Hash)
		}
		if i == 0 || out[i-1].Hash != cur.Hash {
			runKeys = map[[KeySize]byte]bool{}
		}
		if runKeys[cur.Key] {
			t.Fatalf("order invariant violated at %d: duplicate key within an equal-hash run", i)
		}
		runKeys[cur.Key] = true
	}
}

// checkTreeShape verifies the tree's structural bounds: every non-root
// internal node has 1..b children, child separators strictly ascend with
// the last matching the node's own, and the root's separator is the
// maximum.
func checkTreeShape(t *testing.T, root *Node, fanoutB int) {
	t.Helper()
	if root == nil {
		return
	}
	if root.separator != maxSeparator {
		t.Fatalf("root separator must be maxSeparator, got %d", root.separator)
	}
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.IsLeaf() {
			return
		}
		if !n.IsRoot() && (len(n.children) < 1 || len(n.children) > fanoutB) {
			t.Fatalf("node %d: child count %d out of [1,%d]", n.id, len(n.children), fanoutB)
		}
		for i, c := range n.children {
			if c.parent != n {
				t.Fatalf("node %d: child %d parent back-reference mismatch", n.id, c.id)
			}
			if i > 0 && n.children[i-1].separator >= c.separator {
				t.Fatalf("node %d: child separators not strictly ascending at index %d", n.id, i)
			}
			walk(c)
		}
		if n.children[len(n.children)-1].separator != n.separator {
			t.Fatalf("node %d: last child separator must equal node's own separator", n.id)
		}
	}
	walk(root)
}

// Smoke: keys "a","b","a","a","c","b" all value 1 -> {"a":3,"b":2,"c":1}.
func TestAggregatesSmallKeySet(t *testing.T) {
	tree := newTestTree(t, smallConfig())
	keys := []string{"a", "b", "a", "a", "c", "b"}
	for _, k := range keys {
		if err := tree.Insert(rec(k, 1)); err != nil {
			t.Fatalf("Insert(%q): %v", k, err)
		}
	}

	out := drainAllRecords(t, tree)
	checkOrderInvariant(t, out)

	want := map[string]uint64{"a": 3, "b": 2, "c": 1}
	got := map[string]uint64{}
	for _, r := range out {
		got[recordKeyString(r)] = r.Value
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d distinct keys, got %d (%v)", len(want), len(got), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %q: want %d got %d", k, v, got[k])
		}
	}
}

func recordKeyString(r Record) string {
	n := 0
	for n < len(r.Key) && r.Key[n] != 0 {
		n++
	}
	return string(r.Key[:n])
}

// Two distinct keys sharing one 32-bit hash; 100 inserts of each must
// still resolve into exactly two outputs of 100 each.
func TestHashCollisionKeepsDistinctKeys(t *testing.T) {
	tree := newTestTree(t, smallConfig())
	const sharedHash = 0xDEADBEEF
	k1 := NewRecord(sharedHash, []byte("collision-key-one"), 1)
	k2 := NewRecord(sharedHash, []byte("collision-key-two"), 1)

	for i := 0; i < 100; i++ {
		if err := tree.Insert(k1); err != nil {
			t.Fatal(err)
		}
		if err := tree.Insert(k2); err != nil {
			t.Fatal(err)
		}
	}

	out := drainAllRecords(t, tree)
	checkOrderInvariant(t, out)
	if len(out) != 2 {
		t.Fatalf("expected exactly 2 outputs for a hash collision of 2 distinct keys, got %d", len(out))
	}
	for _, r := range out {
		if r.Hash != sharedHash {
			t.Fatalf("expected both outputs to keep the shared hash, got %d", r.Hash)
		}
		if r.Value != 100 {
			t.Fatalf("expected value 100, got %d", r.Value)
		}
	}
	if KeyEqual(out[0], out[1]) {
		t.Fatal("the two collision outputs must carry distinct keys")
	}
}

// 10*BufferMax unique keys with uniformly random hashes and a small
// fanout; drain must yield exactly that many outputs and the tree must
// have grown taller than one level.
func TestSplitGrowsTreeUnderSmallFanout(t *testing.T) {
	cfg := smallConfig()
	cfg.FanoutB = 4
	cfg.BufferMax = 16
	cfg.BufferThreshold = 8
	tree := newTestTree(t, cfg)

	const n = 10 * 16
	rng := rand.New(rand.NewSource(42))
	seen := map[uint32]bool{}
	var hashes []uint32
	for len(hashes) < n {
		h := rng.Uint32()
		if seen[h] {
			continue
		}
		seen[h] = true
		hashes = append(hashes, h)
	}

	for i, h := range hashes {
		key := fmt.Sprintf("key-%08d", i)
		r := NewRecord(h, []byte(key), 1)
		if err := tree.Insert(r); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	// Trigger the flush explicitly so we can inspect tree shape before the
	// final NextValue call tears the engine down.
	if err := tree.flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	tree.rootMu.Lock()
	root := tree.root
	tree.rootMu.Unlock()
	if root.level == 0 {
		t.Fatal("expected tree height > 1 after splitting under a small fanout")
	}
	checkTreeShape(t, root, cfg.FanoutB)

	out := drainAllRecords(t, tree)
	checkOrderInvariant(t, out)
	if len(out) != n {
		t.Fatalf("expected %d outputs, got %d", n, len(out))
	}
}

// 10 consecutive batches of size BufferThreshold, single-threaded ingest;
// the empty-root pool must cycle without the ingest side ever
// deadlocking.
func TestRootRotationCyclesPoolWithoutDeadlock(t *testing.T) {
	cfg := smallConfig()
	cfg.BufferThreshold = 4
	cfg.BufferMax = 8
	tree := newTestTree(t, cfg)

	done := make(chan error, 1)
	go func() {
		for batch := 0; batch < 10; batch++ {
			recs := make([]Record, cfg.BufferThreshold)
			for i := range recs {
				recs[i] = rec(fmt.Sprintf("b%d-%d", batch, i), 1)
			}
			if err := tree.BulkInsert(recs); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("bulk insert failed: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("ingest deadlocked waiting on the empty-root pool to cycle")
	}

	out := drainAllRecords(t, tree)
	if len(out) != 40 {
		t.Fatalf("expected 40 outputs, got %d", len(out))
	}
}

// Draining a tree with zero insertions must return false immediately and
// must never have run a single empty.
func TestDrainOnEmptyTreeReturnsImmediately(t *testing.T) {
	tree := newTestTree(t, smallConfig())
	_, ok, err := tree.NextValue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("draining an empty tree must return ok=false on the first call")
	}
	if got := testutil.ToFloat64(tree.metrics.emptiesTotal); got != 0 {
		t.Fatalf("expected zero empties for an all-empty tree, got %v", got)
	}
}

// Insert N, Clear, insert N more, drain -> only the second batch appears.
func TestClearDropsEarlierInserts(t *testing.T) {
	tree := newTestTree(t, smallConfig())
	for i := 0; i < 20; i++ {
		if err := tree.Insert(rec(fmt.Sprintf("first-%d", i), 1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tree.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := tree.Insert(rec(fmt.Sprintf("second-%d", i), 2)); err != nil {
			t.Fatal(err)
		}
	}

	out := drainAllRecords(t, tree)
	if len(out) != 20 {
		t.Fatalf("expected 20 outputs from the second batch only, got %d", len(out))
	}
	for _, r := range out {
		if r.Value != 2 {
			t.Fatalf("found a value from the first (cleared) batch: %+v", r)
		}
	}
}

// After NextValue first returns false, further calls keep returning
// false; the engine reports itself closed rather than emitting records.
func TestDrainIsIdempotentAfterExhaustion(t *testing.T) {
	tree := newTestTree(t, smallConfig())
	if err := tree.Insert(rec("only", 1)); err != nil {
		t.Fatal(err)
	}
	_ = drainAllRecords(t, tree)

	for i := 0; i < 3; i++ {
		_, ok, err := tree.NextValue(context.Background())
		if ok {
			t.Fatal("NextValue must keep returning false after exhaustion")
		}
		if err == nil {
			t.Fatal("NextValue after exhaustion should report the engine as closed")
		}
	}
}

// BulkInsert leaves the caller with an ErrEngineClosed error once the
// engine has been drained to exhaustion.
func TestBulkInsertRejectedAfterEngineClosed(t *testing.T) {
	tree := newTestTree(t, smallConfig())
	_ = drainAllRecords(t, tree)

	if err := tree.Insert(rec("late", 1)); err == nil {
		t.Fatal("insert after engine closed must fail")
	}
}

// Concurrency stress: worker pool sizes and fanout vary; a fixed input
// hammered in from several goroutines must produce the same output
// multiset as sequential accumulation would.
func TestConcurrencyStressMatchesSequentialReference(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in -short mode")
	}

	type combo struct {
		fanout               int
		sort, merge, empty   int
	}
	combos := []combo{
		{fanout: 2, sort: 1, merge: 1, empty: 1},
		{fanout: 8, sort: 2, merge: 4, empty: 4},
		{fanout: 64, sort: 4, merge: 8, empty: 8},
	}

	const numKeys = 200
	const numGoroutines = 8
	const perGoroutine = 50

	for _, c := range combos {
		c := c
		t.Run(fmt.Sprintf("b=%d/sort=%d/merge=%d/empty=%d", c.fanout, c.sort, c.merge, c.empty), func(t *testing.T) {
			t.Parallel()

			cfg := Config{
				FanoutB:           c.fanout,
				BufferMax:         64,
				BufferThreshold:   16,
				EmptyRootPoolSize: 4,
				SortWorkers:       c.sort,
				MergeWorkers:      c.merge,
				EmptyWorkers:      c.empty,
				Merge:             SumMerge,
			}
			tree := newTestTree(t, cfg)

			want := make(map[string]uint64)
			var mu sync.Mutex
			var wg sync.WaitGroup
			for g := 0; g < numGoroutines; g++ {
				g := g
				wg.Add(1)
				go func() {
					defer wg.Done()
					rng := rand.New(rand.NewSource(int64(g) + 1))
					for i := 0; i < perGoroutine; i++ {
						key := fmt.Sprintf("key-%d", rng.Intn(numKeys))
						if err := tree.Insert(rec(key, 1)); err != nil {
							t.Errorf("insert: %v", err)
							return
						}
						mu.Lock()
						want[key]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			out := drainAllRecords(t, tree)
			checkOrderInvariant(t, out)

			got := make(map[string]uint64, len(out))
			for _, r := range out {
				got[recordKeyString(r)] = r.Value
			}
			if len(got) != len(want) {
				t.Fatalf("distinct key count mismatch: want %d got %d", len(want), len(got))
			}
			for k, v := range want {
				if got[k] != v {
					t.Fatalf("key %q: want %d got %d", k, v, got[k])
				}
			}
		})
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cfg := smallConfig()
	cfg.FanoutB = 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("fanout < 2 should be rejected")
	}

	cfg = smallConfig()
	cfg.SortWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("a zero-sized worker pool should be rejected")
	}
}
