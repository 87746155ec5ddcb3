package lock

import (
	"fmt"
	"math/bits"
	"strings"
)

// Mode is a hierarchical lock mode.
type Mode uint8

const (
	// ModeNone is the absence of a lock.
	ModeNone Mode = iota
	// ModeIS (intent shared) announces S locks further down the hierarchy.
	ModeIS
	// ModeIX (intent exclusive) announces X locks further down the hierarchy.
	ModeIX
	// ModeS (shared) allows concurrent readers.
	ModeS
	// ModeU (update) is a read lock that will be upgraded to X. Two U
	// holders never coexist, so the upgrade cannot deadlock against another
	// updater.
	ModeU
	// ModeSIX is S on the node plus IX for its descendants.
	ModeSIX
	// ModeX (exclusive) excludes every other holder.
	ModeX

	numModes
)

func bit(m Mode) uint8 { return 1 << m }

// conflicts[m] is the set of modes that cannot be held alongside m. The
// relation is symmetric.
var conflicts = [numModes]uint8{
	ModeNone: 0,
	ModeIS:   bit(ModeX),
	ModeIX:   bit(ModeS) | bit(ModeU) | bit(ModeSIX) | bit(ModeX),
	ModeS:    bit(ModeIX) | bit(ModeSIX) | bit(ModeX),
	ModeU:    bit(ModeIX) | bit(ModeU) | bit(ModeSIX) | bit(ModeX),
	ModeSIX:  bit(ModeIX) | bit(ModeS) | bit(ModeU) | bit(ModeSIX) | bit(ModeX),
	ModeX:    bit(ModeIS) | bit(ModeIX) | bit(ModeS) | bit(ModeU) | bit(ModeSIX) | bit(ModeX),
}

var modeNames = [numModes]string{"NONE", "IS", "IX", "S", "U", "SIX", "X"}

func (m Mode) String() string {
	if m < numModes {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Valid reports whether m is a lockable mode.
func (m Mode) Valid() bool { return m > ModeNone && m < numModes }

// ParseMode parses a mode name as printed by String.
func ParseMode(name string) (Mode, error) {
	for m := ModeIS; m < numModes; m++ {
		if strings.EqualFold(name, modeNames[m]) {
			return m, nil
		}
	}
	return ModeNone, fmt.Errorf("lock: unknown mode %q", name)
}

// Compatible reports whether a and b may be held on one resource by two
// different transactions.
func Compatible(a, b Mode) bool {
	return conflicts[a]&bit(b) == 0
}

// Covers reports whether holding a makes a request for b redundant: every
// mode that conflicts with b also conflicts with a.
func Covers(a, b Mode) bool {
	if b == ModeNone {
		return true
	}
	if a == ModeNone {
		return false
	}
	return conflicts[b]&^conflicts[a] == 0
}

// Join returns the weakest mode that covers both a and b. It is the target
// of an upgrade from a to b.
func Join(a, b Mode) Mode {
	best := ModeX
	for m := ModeIS; m < numModes; m++ {
		if Covers(m, a) && Covers(m, b) && bits.OnesCount8(conflicts[m]) < bits.OnesCount8(conflicts[best]) {
			best = m
		}
	}
	return best
}

// Strength orders modes for upgrade decisions. S and U share a level but do
// not cover each other in both directions.
func Strength(m Mode) int {
	switch m {
	case ModeIS:
		return 1
	case ModeIX:
		return 2
	case ModeS, ModeU:
		return 3
	case ModeSIX:
		return 4
	case ModeX:
		return 5
	default:
		return 0
	}
}

// RequiredIntent is the mode a transaction must hold on every ancestor of a
// resource before locking the resource in m.
func RequiredIntent(m Mode) Mode {
	switch m {
	case ModeIS, ModeS:
		return ModeIS
	case ModeIX, ModeU, ModeSIX, ModeX:
		return ModeIX
	default:
		return ModeNone
	}
}
