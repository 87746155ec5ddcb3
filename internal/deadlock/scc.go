package deadlock

import (
	"cmp"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/aalhour/lockyard/internal/stats"
)

// DetectAll finds every deadlock in the current graph: each strongly
// connected component with more than one transaction is one result, with
// the component's members sorted as its cycle. Self edges cannot occur, so
// single-node components are never deadlocks.
func (d *Detector) DetectAll() []Result {
	g := simple.NewDirectedGraph()
	d.mu.RLock()
	for w, out := range d.graph {
		for h := range out {
			wn, hn := graphNode(w), graphNode(h)
			if g.Node(wn.ID()) == nil {
				g.AddNode(wn)
			}
			if g.Node(hn.ID()) == nil {
				g.AddNode(hn)
			}
			g.SetEdge(g.NewEdge(wn, hn))
		}
	}
	d.mu.RUnlock()

	d.scans.Add(1)
	d.stats.Inc(stats.DeadlockScans)

	var out []Result
	for _, comp := range topo.TarjanSCC(g) {
		if len(comp) < 2 {
			continue
		}
		members := make([]uint64, len(comp))
		for i, n := range comp {
			members[i] = txnOf(n)
		}
		slices.Sort(members)
		out = append(out, d.result(members))
	}
	slices.SortFunc(out, func(a, b Result) int { return cmp.Compare(a.Victim, b.Victim) })
	return out
}

// graphNode maps a transaction id onto a gonum node. Ids above MaxInt64
// become negative node ids; the conversion is a bijection and txnOf undoes
// it, so every id in the uint64 range survives the round trip.
func graphNode(txn uint64) simple.Node { return simple.Node(int64(txn)) }

func txnOf(n graph.Node) uint64 { return uint64(n.ID()) }
