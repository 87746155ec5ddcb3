package lockyard

// statistics_test.go implements tests for statistics.

import (
	"context"
	"testing"
)

func TestStatisticsTrackTransactions(t *testing.T) {
	opts := testOptions()
	st := opts.Statistics
	e := openTestEngine(t, opts)

	x := mustBegin(t, e, TxnOptions{})
	mustPut(t, x, "k", "v")
	mustCommit(t, x)

	a := mustBegin(t, e, TxnOptions{})
	if err := a.Abort(); err != nil {
		t.Fatal(err)
	}

	if got := st.Get(TickerTxnBegins); got != 2 {
		t.Errorf("begins = %d, want 2", got)
	}
	if got := st.Get(TickerTxnCommits); got != 1 {
		t.Errorf("commits = %d, want 1", got)
	}
	if got := st.Get(TickerTxnAborts); got != 1 {
		t.Errorf("aborts = %d, want 1", got)
	}
	if got := st.Get(TickerVersionsAdded); got != 1 {
		t.Errorf("versions added = %d, want 1", got)
	}
	if st.Get(TickerLockAcquires) == 0 {
		t.Error("no lock acquisitions counted")
	}
	if d := st.HistogramData(HistogramCommitMicros); d.Count != 1 {
		t.Errorf("commit histogram count = %d, want 1", d.Count)
	}
}

func TestStatisticsNilIsDisabled(t *testing.T) {
	opts := testOptions()
	opts.Statistics = nil
	e := openTestEngine(t, opts)

	err := e.RunInTxn(context.Background(), TxnOptions{}, func(x *Txn) error {
		return x.Put(context.Background(), testTable, "k", []byte("v"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Stats().Tickers; len(got) != 0 {
		t.Fatalf("tickers without statistics = %v", got)
	}
}
