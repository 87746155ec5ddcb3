package txn

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTransactionState is returned for a transition the lifecycle does
// not allow.
var ErrInvalidTransactionState = errors.New("txn: invalid transaction state")

// State is a transaction lifecycle state.
type State uint8

const (
	// Active is a transaction that has not locked anything yet.
	Active State = iota
	// Growing transactions acquire locks.
	Growing
	// Shrinking transactions release locks and may not acquire new ones.
	Shrinking
	Preparing
	Committing
	Committed
	Aborting
	Aborted
)

var stateNames = [...]string{"Active", "Growing", "Shrinking", "Preparing", "Committing", "Committed", "Aborting", "Aborted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// IsTerminal reports whether s is Committed or Aborted.
func (s State) IsTerminal() bool { return s == Committed || s == Aborted }

// CanAcquire reports whether a transaction in s may take new locks.
func (s State) CanAcquire() bool { return s == Active || s == Growing }

var transitions = map[State][]State{
	Active:     {Growing, Shrinking, Preparing, Aborting},
	Growing:    {Shrinking, Preparing, Aborting},
	Shrinking:  {Preparing, Aborting},
	Preparing:  {Committing, Aborting},
	Committing: {Committed, Aborting},
	Aborting:   {Aborted},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Isolation is the isolation level of a transaction.
type Isolation uint8

const (
	ReadCommitted Isolation = iota
	ReadUncommitted
	RepeatableRead
	Serializable
	Snapshot
)

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "ReadUncommitted"
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	case Snapshot:
		return "Snapshot"
	default:
		return fmt.Sprintf("Isolation(%d)", uint8(i))
	}
}

// ParseIsolation parses a level name, ignoring case, dashes and underscores.
func ParseIsolation(name string) (Isolation, error) {
	norm := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(name))
	for i := ReadCommitted; i <= Snapshot; i++ {
		if strings.ToLower(i.String()) == norm {
			return i, nil
		}
	}
	return ReadCommitted, fmt.Errorf("txn: unknown isolation level %q", name)
}

// StableSnapshot reports whether reads use one snapshot for the whole
// transaction rather than a fresh one per statement.
func (i Isolation) StableSnapshot() bool {
	return i == RepeatableRead || i == Serializable || i == Snapshot
}
