package cbt

import "testing"

func mkDAGNode(id int64, level int, children ...*Node) *Node {
	buf, _ := NewBuffer(10, 5)
	n := newNode(id, level, maxSeparator, buf)
	n.children = children
	for _, c := range children {
		c.parent = n
	}
	return n
}

func TestPriorityDAGEnablesImmediatelyWhenChildrenIdle(t *testing.T) {
	d := newPriorityDAG()
	child := mkDAGNode(1, 0)
	parent := mkDAGNode(2, 1, child)

	d.insert(parent)
	got, ok := d.pop()
	if !ok || got != parent {
		t.Fatal("parent with all-idle children should be enabled immediately")
	}
}

func TestPriorityDAGDisablesUntilChildrenFinish(t *testing.T) {
	d := newPriorityDAG()
	child := mkDAGNode(1, 0)
	if err := child.setStatus(StatusSort); err != nil {
		t.Fatal(err)
	}
	parent := mkDAGNode(2, 1, child)

	d.insert(parent)
	if _, ok := d.pop(); ok {
		t.Fatal("parent must not be enabled while a child is still mid-action")
	}

	if err := child.setStatus(StatusEmpty); err != nil {
		t.Fatal(err)
	}
	if err := child.setStatus(StatusNone); err != nil {
		t.Fatal(err)
	}
	d.post(child)

	got, ok := d.pop()
	if !ok || got != parent {
		t.Fatal("parent should become enabled once its only pending child finishes")
	}
}

func TestPriorityDAGWaitsForAllPendingChildren(t *testing.T) {
	d := newPriorityDAG()
	c1 := mkDAGNode(1, 0)
	c2 := mkDAGNode(2, 0)
	for _, c := range []*Node{c1, c2} {
		if err := c.setStatus(StatusSort); err != nil {
			t.Fatal(err)
		}
	}
	parent := mkDAGNode(3, 1, c1, c2)
	d.insert(parent)

	finish := func(c *Node) {
		if err := c.setStatus(StatusEmpty); err != nil {
			t.Fatal(err)
		}
		if err := c.setStatus(StatusNone); err != nil {
			t.Fatal(err)
		}
		d.post(c)
	}

	finish(c1)
	if _, ok := d.pop(); ok {
		t.Fatal("parent must stay disabled while c2 is still pending")
	}

	finish(c2)
	if _, ok := d.pop(); !ok {
		t.Fatal("parent should enable once every pending child has finished")
	}
}

func TestPriorityDAGPopOnEmptyReturnsFalse(t *testing.T) {
	d := newPriorityDAG()
	if _, ok := d.pop(); ok {
		t.Fatal("pop on an empty DAG should report false")
	}
}

func TestPriorityDAGOrdersByLevelDescending(t *testing.T) {
	d := newPriorityDAG()
	low := mkDAGNode(1, 0)
	high := mkDAGNode(2, 5)
	d.insert(low)
	d.insert(high)

	got, ok := d.pop()
	if !ok || got != high {
		t.Fatal("higher-level node should pop first")
	}
	got, ok = d.pop()
	if !ok || got != low {
		t.Fatal("expected the remaining lower-level node next")
	}
}
