// Concurrency stress test for lockyard
//
// Runs concurrent bank transfers between accounts against one engine. Every
// transfer locks both accounts in a random order, so deadlocks are frequent
// and are resolved by the detector and RunInTxn retries. Auditors read all
// balances from a snapshot while transfers run; the total must never change.
//
// Usage: go run ./cmd/ccstress [flags]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/aalhour/lockyard"
)

const accountsTable = 1

type config struct {
	duration    time.Duration
	workers     int
	auditors    int
	accounts    int
	initial     int
	isolation   string
	shards      int
	lockTimeout time.Duration
	optionsFile string
	seed        uint64
	jsonReport  bool
	verbose     bool
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("ccstress", flag.ContinueOnError)
	fs.DurationVarP(&cfg.duration, "duration", "d", 10*time.Second, "Test duration")
	fs.IntVarP(&cfg.workers, "workers", "w", 16, "Number of transfer workers")
	fs.IntVar(&cfg.auditors, "auditors", 2, "Number of snapshot auditors")
	fs.IntVarP(&cfg.accounts, "accounts", "a", 32, "Number of accounts")
	fs.IntVar(&cfg.initial, "initial", 1000, "Initial balance of every account")
	fs.StringVar(&cfg.isolation, "isolation", "read-committed", "Isolation level of transfers")
	fs.IntVar(&cfg.shards, "shards", 0, "Lock manager shards (0 keeps the configured value)")
	fs.DurationVar(&cfg.lockTimeout, "lock-timeout", 0, "Lock wait timeout (0 keeps the configured value)")
	fs.StringVar(&cfg.optionsFile, "options", "", "Properties file with engine options")
	fs.Uint64Var(&cfg.seed, "seed", 0, "Random seed (0 for time-based)")
	fs.BoolVar(&cfg.jsonReport, "json", false, "Print the report as JSON")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	switch {
	case cfg.workers <= 0:
		return cfg, errors.New("--workers must be positive")
	case cfg.accounts < 2:
		return cfg, errors.New("--accounts must be at least 2")
	case cfg.initial <= 0:
		return cfg, errors.New("--initial must be positive")
	}
	if cfg.seed == 0 {
		cfg.seed = uint64(time.Now().UnixNano())
	}
	return cfg, nil
}

func (cfg config) engineOptions() (lockyard.Options, error) {
	opts := lockyard.DefaultOptions()
	if cfg.optionsFile != "" {
		var err error
		if opts, err = lockyard.LoadOptionsFile(cfg.optionsFile); err != nil {
			return opts, err
		}
	}
	if cfg.shards > 0 {
		opts.LockShards = cfg.shards
	}
	if cfg.lockTimeout > 0 {
		opts.DefaultLockTimeout = cfg.lockTimeout
	}
	// Retries are bounded by the run's duration instead.
	opts.MaxTxnRetries = 1 << 20
	opts.Statistics = lockyard.NewStatistics()
	return opts, opts.Validate()
}

// report is the outcome of a run.
type report struct {
	Seed        uint64               `json:"seed"`
	Duration    string               `json:"duration"`
	Transfers   uint64               `json:"transfers"`
	Failed      uint64               `json:"failed"`
	Audits      uint64               `json:"audits"`
	Retries     uint64               `json:"retries"`
	Deadlocks   uint64               `json:"deadlocks"`
	Timeouts    uint64               `json:"timeouts"`
	Conflicts   uint64               `json:"write_conflicts"`
	Total       int                  `json:"total"`
	Expected    int                  `json:"expected"`
	GCCollected int                  `json:"gc_collected"`
	Engine      lockyard.EngineStats `json:"engine"`
}

func accountKey(i int) string { return "acct-" + strconv.Itoa(i) }

type stresser struct {
	cfg config
	e   *lockyard.Engine
	iso lockyard.Isolation
	out io.Writer

	transfers atomic.Uint64
	failed    atomic.Uint64
	audits    atomic.Uint64
	conflicts atomic.Uint64
}

func run(ctx context.Context, cfg config, out io.Writer) (report, error) {
	opts, err := cfg.engineOptions()
	if err != nil {
		return report{}, err
	}
	iso, err := lockyard.ParseIsolation(cfg.isolation)
	if err != nil {
		return report{}, err
	}
	e, err := lockyard.Open(opts)
	if err != nil {
		return report{}, err
	}
	defer func() { _ = e.Close() }()

	s := &stresser{cfg: cfg, e: e, iso: iso, out: out}
	if err := s.seedAccounts(ctx); err != nil {
		return report{}, err
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for w := range cfg.workers {
		rng := rand.New(rand.NewPCG(cfg.seed, uint64(w)))
		g.Go(func() error { return s.transferLoop(gctx, rng) })
	}
	for range cfg.auditors {
		g.Go(func() error { return s.auditLoop(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return report{}, err
	}

	total, err := s.total(ctx)
	if err != nil {
		return report{}, err
	}
	r := report{
		Seed:        cfg.seed,
		Duration:    time.Since(start).Round(time.Millisecond).String(),
		Transfers:   s.transfers.Load(),
		Failed:      s.failed.Load(),
		Audits:      s.audits.Load(),
		Conflicts:   s.conflicts.Load(),
		Total:       total,
		Expected:    cfg.accounts * cfg.initial,
		GCCollected: e.CollectGarbage(),
	}
	st := opts.Statistics
	r.Retries = st.Get(lockyard.TickerTxnRetries)
	r.Deadlocks = st.Get(lockyard.TickerLockDeadlocks)
	r.Timeouts = st.Get(lockyard.TickerLockTimeouts)
	r.Engine = e.Stats()
	if r.Total != r.Expected {
		return r, fmt.Errorf("balance invariant violated: total %d, want %d", r.Total, r.Expected)
	}
	return r, nil
}

func (s *stresser) seedAccounts(ctx context.Context) error {
	return s.e.RunInTxn(ctx, lockyard.TxnOptions{}, func(x *lockyard.Txn) error {
		v := []byte(strconv.Itoa(s.cfg.initial))
		for i := range s.cfg.accounts {
			if err := x.Put(ctx, accountsTable, accountKey(i), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *stresser) transferLoop(ctx context.Context, rng *rand.Rand) error {
	for ctx.Err() == nil {
		from := rng.IntN(s.cfg.accounts)
		to := rng.IntN(s.cfg.accounts - 1)
		if to >= from {
			to++
		}
		amount := 1 + rng.IntN(10)
		err := s.e.RunInTxn(ctx, lockyard.TxnOptions{}.WithIsolation(s.iso), func(x *lockyard.Txn) error {
			return s.transfer(ctx, x, accountKey(from), accountKey(to), amount)
		})
		switch {
		case err == nil:
			s.transfers.Add(1)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, lockyard.ErrWriteConflict):
			s.conflicts.Add(1)
			s.failed.Add(1)
		case lockyard.IsLockError(err):
			s.failed.Add(1)
			if s.cfg.verbose {
				fmt.Fprintf(s.out, "transfer %s -> %s: %v\n", accountKey(from), accountKey(to), err)
			}
		default:
			return err
		}
	}
	return nil
}

// transfer moves amount between two accounts. Locks are taken in argument
// order, which differs between workers.
func (s *stresser) transfer(ctx context.Context, x *lockyard.Txn, from, to string, amount int) error {
	for _, k := range []string{from, to} {
		if err := x.LockRow(ctx, accountsTable, k, lockyard.ModeX); err != nil {
			return err
		}
	}
	fb, err := balance(ctx, x, from)
	if err != nil {
		return err
	}
	tb, err := balance(ctx, x, to)
	if err != nil {
		return err
	}
	if err := x.Put(ctx, accountsTable, from, []byte(strconv.Itoa(fb-amount))); err != nil {
		return err
	}
	return x.Put(ctx, accountsTable, to, []byte(strconv.Itoa(tb+amount)))
}

func balance(ctx context.Context, x *lockyard.Txn, key string) (int, error) {
	v, ok, err := x.Get(ctx, accountsTable, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("account %s missing", key)
	}
	return strconv.Atoi(string(v))
}

func (s *stresser) auditLoop(ctx context.Context) error {
	want := s.cfg.accounts * s.cfg.initial
	for ctx.Err() == nil {
		total, err := s.total(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if total != want {
			return fmt.Errorf("audit saw total %d, want %d", total, want)
		}
		s.audits.Add(1)
		time.Sleep(time.Millisecond)
	}
	return nil
}

// total sums every balance from one snapshot.
func (s *stresser) total(ctx context.Context) (int, error) {
	x, err := s.e.Begin(lockyard.TxnOptions{Isolation: lockyard.Snapshot, ReadOnly: true})
	if err != nil {
		return 0, err
	}
	defer func() { _ = x.Abort() }()
	sum := 0
	for i := range s.cfg.accounts {
		b, err := balance(ctx, x, accountKey(i))
		if err != nil {
			return 0, err
		}
		sum += b
	}
	return sum, nil
}

func printReport(w io.Writer, r report, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	fmt.Fprintf(w, "seed:        %d\n", r.Seed)
	fmt.Fprintf(w, "duration:    %s\n", r.Duration)
	fmt.Fprintf(w, "transfers:   %d (%d failed, %d write conflicts)\n", r.Transfers, r.Failed, r.Conflicts)
	fmt.Fprintf(w, "audits:      %d\n", r.Audits)
	fmt.Fprintf(w, "retries:     %d\n", r.Retries)
	fmt.Fprintf(w, "deadlocks:   %d\n", r.Deadlocks)
	fmt.Fprintf(w, "timeouts:    %d\n", r.Timeouts)
	fmt.Fprintf(w, "gc:          %d versions\n", r.GCCollected)
	fmt.Fprintf(w, "total:       %d (expected %d)\n", r.Total, r.Expected)
	return nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	r, err := run(context.Background(), cfg, os.Stdout)
	if perr := printReport(os.Stdout, r, cfg.jsonReport); perr != nil {
		fmt.Fprintln(os.Stderr, perr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
		os.Exit(1)
	}
}
