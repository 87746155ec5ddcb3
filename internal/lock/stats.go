package lock

// ShardStats are the counters of one shard.
type ShardStats struct {
	Entries   int
	Locks     int64
	Waits     uint64
	Conflicts uint64
}

// Stats summarizes the lock manager.
type Stats struct {
	Shards       []ShardStats
	Transactions int

	Acquires    uint64
	AlreadyHeld uint64
	Releases    uint64
	Waits       uint64
	Timeouts    uint64
	Deadlocks   uint64
	Upgrades    uint64
	GroupGrants uint64
}

// Locks returns the number of granted locks over all shards.
func (s Stats) Locks() int64 {
	var n int64
	for _, sh := range s.Shards {
		n += sh.Locks
	}
	return n
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Shards:      make([]ShardStats, len(m.shards)),
		Acquires:    m.acquires.Load(),
		AlreadyHeld: m.alreadyHeld.Load(),
		Releases:    m.releases.Load(),
		Waits:       m.waits.Load(),
		Timeouts:    m.timeouts.Load(),
		Deadlocks:   m.deadlocks.Load(),
		Upgrades:    m.upgrades.Load(),
		GroupGrants: m.groupGrants.Load(),
	}
	for i, sh := range m.shards {
		sh.mu.Lock()
		n := sh.count
		sh.mu.Unlock()
		s.Shards[i] = ShardStats{
			Entries:   n,
			Locks:     sh.locks.Load(),
			Waits:     sh.waits.Load(),
			Conflicts: sh.conflicts.Load(),
		}
	}
	m.txns.Range(func(_, _ any) bool {
		s.Transactions++
		return true
	})
	return s
}
