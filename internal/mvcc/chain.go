package mvcc

import (
	"math/rand/v2"
	"sync/atomic"

	golock "github.com/viney-shih/go-lock"

	"github.com/aalhour/lockyard/internal/compression"
	"github.com/aalhour/lockyard/internal/epoch"
)

const (
	chainMaxHeight = 12
	// On average, 1/chainBranching nodes are promoted to the next level.
	chainBranching = 4
)

// versionNode is one version in a chain. Everything except the deletion
// marker and the forward pointers is immutable once linked.
type versionNode struct {
	createdAt uint64
	createdBy uint64
	tombstone bool

	// deleted is nil while the version is current.
	deleted atomic.Pointer[marker]

	payload []byte // encoded with codec, owned by the node
	codec   compression.Type
	handle  epoch.Handle

	next []atomic.Pointer[versionNode]
}

// marker names the version that superseded a node.
type marker struct {
	by, at uint64
}

func (n *versionNode) deletion() (by, at uint64) {
	if m := n.deleted.Load(); m != nil {
		return m.by, m.at
	}
	return 0, 0
}

func newVersionNode(ts uint64, height int) *versionNode {
	return &versionNode{
		createdAt: ts,
		next:      make([]atomic.Pointer[versionNode], height),
	}
}

func (n *versionNode) getNext(level int) *versionNode {
	return n.next[level].Load()
}

func (n *versionNode) setNext(level int, node *versionNode) {
	n.next[level].Store(node)
}

// chain is a skip list of versions ordered by creation timestamp.
// Reads are lock-free; writers hold latch. Unlinked nodes keep their
// forward pointers until reclaimed, so a reader standing on one still
// reaches live nodes.
type chain struct {
	latch  golock.Mutex
	head   *versionNode
	height atomic.Int32
	count  atomic.Int64
	// dead is set under latch when the chain is removed from the store.
	// Writers that find it set retry on a fresh chain.
	dead atomic.Bool
	rng  *rand.Rand
}

func newChain(seed uint64) *chain {
	c := &chain{
		latch: golock.NewCASMutex(),
		head:  newVersionNode(0, chainMaxHeight),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	c.height.Store(1)
	return c
}

// findGreaterOrEqual returns the first node with createdAt >= ts, filling
// prev with the predecessor at every level when prev is not nil.
func (c *chain) findGreaterOrEqual(ts uint64, prev []*versionNode) *versionNode {
	x := c.head
	level := int(c.height.Load()) - 1
	for {
		next := x.getNext(level)
		if next != nil && next.createdAt < ts {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// findLessOrEqual returns the last node with createdAt <= ts, or nil.
func (c *chain) findLessOrEqual(ts uint64) *versionNode {
	x := c.head
	level := int(c.height.Load()) - 1
	for {
		next := x.getNext(level)
		if next != nil && next.createdAt <= ts {
			x = next
			continue
		}
		if level == 0 {
			if x == c.head {
				return nil
			}
			return x
		}
		level--
	}
}

// findLessThan returns the last node with createdAt < ts, or nil.
func (c *chain) findLessThan(ts uint64) *versionNode {
	if ts == 0 {
		return nil
	}
	return c.findLessOrEqual(ts - 1)
}

// findLast returns the newest node, or nil.
func (c *chain) findLast() *versionNode {
	x := c.head
	level := int(c.height.Load()) - 1
	for {
		next := x.getNext(level)
		if next != nil {
			x = next
			continue
		}
		if level == 0 {
			if x == c.head {
				return nil
			}
			return x
		}
		level--
	}
}

func (c *chain) first() *versionNode {
	return c.head.getNext(0)
}

// randomHeight is called under latch.
func (c *chain) randomHeight() int {
	height := 1
	for height < chainMaxHeight && c.rng.IntN(chainBranching) == 0 {
		height++
	}
	return height
}

// insert links node. REQUIRES: latch held, no node with the same createdAt.
// It returns the predecessor and successor at level 0.
func (c *chain) insert(node *versionNode, prev []*versionNode) (pred, succ *versionNode) {
	height := len(node.next)
	maxH := int(c.height.Load())
	if height > maxH {
		for i := maxH; i < height; i++ {
			prev[i] = c.head
		}
		c.height.Store(int32(height))
	}
	// Link bottom-up so a reader that sees the node at level i also sees it
	// at every lower level.
	for i := range height {
		node.setNext(i, prev[i].getNext(i))
		prev[i].setNext(i, node)
	}
	c.count.Add(1)
	pred = prev[0]
	if pred == c.head {
		pred = nil
	}
	return pred, node.getNext(0)
}

// unlinkBefore removes every node with createdAt < cutoff, keeping at least
// keep of the newest nodes. REQUIRES: latch held. The removed nodes are
// returned oldest first; their forward pointers are left intact.
func (c *chain) unlinkBefore(cutoff uint64, keep int) []*versionNode {
	total := int(c.count.Load())
	var removed []*versionNode
	for n := c.first(); n != nil && n.createdAt < cutoff && total-len(removed) > keep; n = n.getNext(0) {
		removed = append(removed, n)
	}
	if len(removed) == 0 {
		return nil
	}
	c.unlinkPrefix(removed[len(removed)-1])
	return removed
}

// unlinkPrefix detaches every node up to and including last from the head.
// REQUIRES: latch held.
func (c *chain) unlinkPrefix(last *versionNode) {
	boundary := last.createdAt
	n := 0
	for x := c.first(); x != nil && x.createdAt <= boundary; x = x.getNext(0) {
		n++
	}
	for level := int(c.height.Load()) - 1; level >= 0; level-- {
		x := c.head.getNext(level)
		for x != nil && x.createdAt <= boundary {
			x = x.getNext(level)
		}
		c.head.setNext(level, x)
	}
	c.count.Add(-int64(n))
}
