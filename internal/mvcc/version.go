package mvcc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aalhour/lockyard/internal/compression"
)

var (
	// ErrDuplicateVersion is returned when a key already has a version with
	// the same creation timestamp.
	ErrDuplicateVersion = errors.New("mvcc: duplicate version timestamp")

	// ErrInvalidTimestamp is returned for timestamp 0, which is reserved.
	ErrInvalidTimestamp = errors.New("mvcc: invalid timestamp")
)

// Record is what a writer hands to AddVersion.
type Record struct {
	// Txn is the creating transaction.
	Txn uint64
	// Value is copied into the store.
	Value []byte
	// Tombstone marks a deletion; Value is ignored.
	Tombstone bool
	// RetainFrom, when nonzero, is the oldest timestamp a reader may still
	// use. The MaxVersionsPerKey trim keeps the newest version at or before
	// it and every version after it.
	RetainFrom uint64
}

// Version is a copy of one stored version, safe to keep after the call that
// returned it.
type Version struct {
	Key       string
	CreatedBy uint64
	CreatedAt uint64
	// DeletedBy and DeletedAt name the version that superseded this one.
	// Both are zero for the current version.
	DeletedBy uint64
	DeletedAt uint64
	Tombstone bool
	Value     []byte
}

// Current reports whether no newer version supersedes v.
func (v Version) Current() bool { return v.DeletedAt == 0 }

// VisibleTo reports whether reader, reading at readTS, sees v. A reader sees
// its own versions regardless of timestamp and never sees a version it
// superseded itself.
func (v Version) VisibleTo(reader, readTS uint64) bool {
	return visible(v.CreatedBy, v.CreatedAt, v.DeletedBy, v.DeletedAt, reader, readTS)
}

func (v Version) String() string {
	if v.Tombstone {
		return fmt.Sprintf("%s@%d(txn %d, deleted)", v.Key, v.CreatedAt, v.CreatedBy)
	}
	return fmt.Sprintf("%s@%d(txn %d) = %q", v.Key, v.CreatedAt, v.CreatedBy, v.Value)
}

func visible(createdBy, createdAt, deletedBy, deletedAt, reader, readTS uint64) bool {
	own := reader != 0 && createdBy == reader
	if createdAt > readTS && !own {
		return false
	}
	if deletedAt == 0 {
		return true
	}
	return deletedAt > readTS && (reader == 0 || deletedBy != reader)
}

func (n *versionNode) visibleTo(reader, readTS uint64) bool {
	deletedBy, deletedAt := n.deletion()
	return visible(n.createdBy, n.createdAt, deletedBy, deletedAt, reader, readTS)
}

// snapshot copies n out. The caller must be pinned.
func (n *versionNode) snapshot(key string) (Version, error) {
	v := Version{
		Key:       key,
		CreatedBy: n.createdBy,
		CreatedAt: n.createdAt,
		Tombstone: n.tombstone,
	}
	v.DeletedBy, v.DeletedAt = n.deletion()
	if n.tombstone {
		return v, nil
	}
	if n.codec == compression.NoCompression {
		v.Value = bytes.Clone(n.payload)
		if v.Value == nil {
			v.Value = []byte{}
		}
		return v, nil
	}
	out, err := compression.Decompress(n.codec, n.payload)
	if err != nil {
		return Version{}, fmt.Errorf("mvcc: decode %s@%d: %w", key, n.createdAt, err)
	}
	v.Value = out
	return v, nil
}
