package lock

import (
	"strconv"
	"strings"
)

// Level is a granularity in the lock hierarchy.
type Level uint8

const (
	LevelDatabase Level = iota
	LevelTable
	LevelPage
	LevelRow
)

func (l Level) String() string {
	switch l {
	case LevelDatabase:
		return "database"
	case LevelTable:
		return "table"
	case LevelPage:
		return "page"
	case LevelRow:
		return "row"
	default:
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
}

// Resource names a lockable node: a database, a table in it, a page of the
// table or a row on the page. Fields below Level are ignored.
type Resource struct {
	Level Level
	DB    uint64
	Table uint64
	Page  uint64
	Key   string
}

// Database returns the resource for database db.
func Database(db uint64) Resource { return Resource{Level: LevelDatabase, DB: db} }

// Table returns the resource for table t of database db.
func Table(db, t uint64) Resource { return Resource{Level: LevelTable, DB: db, Table: t} }

// Page returns the resource for page p of table t.
func Page(db, t, p uint64) Resource { return Resource{Level: LevelPage, DB: db, Table: t, Page: p} }

// Row returns the resource for the row with key on page p of table t.
func Row(db, t, p uint64, key string) Resource {
	return Resource{Level: LevelRow, DB: db, Table: t, Page: p, Key: key}
}

// ID returns the lock table key of r, e.g. "d1/t2/p3/r:alice".
func (r Resource) ID() string {
	var b strings.Builder
	b.WriteByte('d')
	b.WriteString(strconv.FormatUint(r.DB, 10))
	if r.Level >= LevelTable {
		b.WriteString("/t")
		b.WriteString(strconv.FormatUint(r.Table, 10))
	}
	if r.Level >= LevelPage {
		b.WriteString("/p")
		b.WriteString(strconv.FormatUint(r.Page, 10))
	}
	if r.Level >= LevelRow {
		b.WriteString("/r:")
		b.WriteString(r.Key)
	}
	return b.String()
}

func (r Resource) String() string { return r.ID() }

// Parent returns the node directly above r. A database has no parent.
func (r Resource) Parent() (Resource, bool) {
	switch r.Level {
	case LevelTable:
		return Database(r.DB), true
	case LevelPage:
		return Table(r.DB, r.Table), true
	case LevelRow:
		return Page(r.DB, r.Table, r.Page), true
	default:
		return Resource{}, false
	}
}

// Ancestors returns every node above r, root first.
func (r Resource) Ancestors() []Resource {
	out := make([]Resource, 0, int(r.Level))
	for p, ok := r.Parent(); ok; p, ok = p.Parent() {
		out = append(out, p)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
