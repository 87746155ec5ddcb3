package lockyard

// statistics.go exposes the engine's tickers and histograms.

import "github.com/aalhour/lockyard/internal/stats"

// Statistics collects tickers and latency histograms. Share one instance
// between engines to aggregate their counters.
type Statistics = stats.Statistics

// TickerType identifies a counter.
type TickerType = stats.Ticker

// HistogramType identifies a latency distribution in microseconds.
type HistogramType = stats.Histogram

// HistogramData summarizes a histogram.
type HistogramData = stats.HistogramData

// NewStatistics creates an empty statistics collector.
func NewStatistics() *Statistics { return stats.New() }

// Tickers
const (
	TickerLockAcquires              = stats.LockAcquires
	TickerLockAlreadyHeld           = stats.LockAlreadyHeld
	TickerLockReleases              = stats.LockReleases
	TickerLockWaits                 = stats.LockWaits
	TickerLockTimeouts              = stats.LockTimeouts
	TickerLockDeadlocks             = stats.LockDeadlocks
	TickerLockUpgrades              = stats.LockUpgrades
	TickerLockGroupGrants           = stats.LockGroupGrants
	TickerDeadlockScans             = stats.DeadlockScans
	TickerDeadlockIncrementalChecks = stats.DeadlockIncrementalChecks
	TickerDeadlockCyclesFound       = stats.DeadlockCyclesFound
	TickerEpochAdvances             = stats.EpochAdvances
	TickerEpochAdvanceFailures      = stats.EpochAdvanceFailures
	TickerGarbageDeferred           = stats.GarbageDeferred
	TickerGarbageReclaimed          = stats.GarbageReclaimed
	TickerVersionsAdded             = stats.VersionsAdded
	TickerVersionsCollected         = stats.VersionsCollected
	TickerVersionsTrimmed           = stats.VersionsTrimmed
	TickerPayloadBytesCompressed    = stats.PayloadBytesCompressed
	TickerTxnBegins                 = stats.TxnBegins
	TickerTxnCommits                = stats.TxnCommits
	TickerTxnAborts                 = stats.TxnAborts
	TickerTxnRetries                = stats.TxnRetries
)

// Histograms
const (
	HistogramLockWaitMicros     = stats.LockWaitMicros
	HistogramDeadlockScanMicros = stats.DeadlockScanMicros
	HistogramGCMicros           = stats.GCMicros
	HistogramCommitMicros       = stats.CommitMicros
)
