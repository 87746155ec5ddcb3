package lockyard_test

import (
	"context"
	"fmt"

	"github.com/aalhour/lockyard"
)

func ExampleOpen() {
	opts := lockyard.DefaultOptions()
	opts.GCInterval = 0

	e, err := lockyard.Open(opts)
	if err != nil {
		panic(err)
	}
	defer func() { _ = e.Close() }()

	ctx := context.Background()
	const accounts = 1

	x, err := e.Begin(lockyard.TxnOptions{})
	if err != nil {
		panic(err)
	}
	if err := x.Put(ctx, accounts, "alice", []byte("100")); err != nil {
		panic(err)
	}
	if err := x.Commit(); err != nil {
		panic(err)
	}

	r, err := e.Begin(lockyard.TxnOptions{Isolation: lockyard.Snapshot, ReadOnly: true})
	if err != nil {
		panic(err)
	}
	defer func() { _ = r.Commit() }()

	val, ok, err := r.Get(ctx, accounts, "alice")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(val), ok)
	// Output:
	// 100 true
}

func ExampleEngine_RunInTxn() {
	e, err := lockyard.Open(lockyard.DefaultOptions())
	if err != nil {
		panic(err)
	}
	defer func() { _ = e.Close() }()

	ctx := context.Background()
	const counters = 2

	for range 3 {
		err := e.RunInTxn(ctx, lockyard.TxnOptions{}, func(x *lockyard.Txn) error {
			if err := x.LockRow(ctx, counters, "hits", lockyard.ModeX); err != nil {
				return err
			}
			v, _, err := x.Get(ctx, counters, "hits")
			if err != nil {
				return err
			}
			return x.Put(ctx, counters, "hits", append(v, '+'))
		})
		if err != nil {
			panic(err)
		}
	}

	x, _ := e.Begin(lockyard.TxnOptions{})
	v, _, _ := x.Get(ctx, counters, "hits")
	_ = x.Commit()
	fmt.Println(string(v))
	// Output:
	// +++
}

func ExampleTxn_Begin() {
	e, err := lockyard.Open(lockyard.DefaultOptions())
	if err != nil {
		panic(err)
	}
	defer func() { _ = e.Close() }()

	ctx := context.Background()
	const table = 3

	p, _ := e.Begin(lockyard.TxnOptions{})
	_ = p.Put(ctx, table, "k", []byte("parent"))

	c, _ := p.Begin()
	_ = c.Put(ctx, table, "k", []byte("child"))
	_ = c.Abort()

	v, _, _ := p.Get(ctx, table, "k")
	fmt.Println(string(v))

	if err := p.Commit(); err != nil {
		panic(err)
	}
	// Output:
	// parent
}
