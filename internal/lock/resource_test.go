package lock

import "testing"

func TestResourceIDs(t *testing.T) {
	tests := []struct {
		r    Resource
		want string
	}{
		{Database(1), "d1"},
		{Table(1, 2), "d1/t2"},
		{Page(1, 2, 3), "d1/t2/p3"},
		{Row(1, 2, 3, "alice"), "d1/t2/p3/r:alice"},
		// Fields below the level do not leak into the id.
		{Resource{Level: LevelTable, DB: 1, Table: 2, Page: 9, Key: "x"}, "d1/t2"},
	}
	for _, tt := range tests {
		if got := tt.r.ID(); got != tt.want {
			t.Errorf("ID() = %q, want %q", got, tt.want)
		}
	}
}

func TestResourceAncestors(t *testing.T) {
	got := Row(1, 2, 3, "k").Ancestors()
	want := []string{"d1", "d1/t2", "d1/t2/p3"}
	if len(got) != len(want) {
		t.Fatalf("Ancestors() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].ID() != want[i] {
			t.Errorf("Ancestors()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if a := Database(1).Ancestors(); len(a) != 0 {
		t.Errorf("database ancestors = %v", a)
	}
	if _, ok := Database(1).Parent(); ok {
		t.Error("database has a parent")
	}
}
