package view_test

import (
	"testing"
	"time"

	"opdtrack/internal/domain"
	"opdtrack/internal/view"
)

func str(s string) *string { return &s }

var now = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

func activity(id, kind, status string, due *string) domain.Activity {
	return domain.Activity{ID: id, WorkOrder: "OPD-1", Kind: kind, Status: status, DueDate: due}
}

func subtask(id, parent, kind, status string) domain.Activity {
	a := activity(id, kind, status, nil)
	a.ParentID = &parent
	return a
}

func TestBuildTree(t *testing.T) {
	nodes := view.Build([]domain.Activity{
		activity("a", "MONTAGEM", domain.StatusToDo, nil),
		subtask("a1", "a", "AJUSTE", domain.StatusToDo),
		subtask("a2", "a", "REVISÃO", domain.StatusDone),
		activity("b", "PINTURA", domain.StatusToDo, nil),
		subtask("ghost", "missing", "ÓRFÃ", domain.StatusToDo),
	})
	if len(nodes) != 2 {
		t.Fatalf("want 2 top-level nodes, got %d", len(nodes))
	}
	if len(nodes[0].Subtasks) != 2 {
		t.Fatalf("want 2 subtasks under a, got %d", len(nodes[0].Subtasks))
	}
	if len(nodes[1].Subtasks) != 0 {
		t.Fatalf("want no subtasks under b, got %d", len(nodes[1].Subtasks))
	}
	for _, n := range nodes {
		for _, sub := range n.Subtasks {
			if sub.ID == "ghost" {
				t.Fatalf("orphan subtask must be dropped")
			}
		}
	}
}

func TestDaysLeft(t *testing.T) {
	cases := []struct {
		due  *string
		want int
		ok   bool
	}{
		{str("2026-03-10"), 0, true},
		{str("2026-03-13"), 3, true},
		{str("2026-03-08"), -2, true},
		{str("2026-04-09"), 30, true},
		{nil, 0, false},
		{str(""), 0, false},
		{str("not-a-date"), 0, false},
	}
	for _, tc := range cases {
		got, ok := view.DaysLeft(tc.due, now)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("DaysLeft(%v): want (%d,%v), got (%d,%v)", tc.due, tc.want, tc.ok, got, ok)
		}
	}
}

func TestStatusFilterMatchesSubtasks(t *testing.T) {
	nodes := view.Build([]domain.Activity{
		activity("a", "MONTAGEM", domain.StatusToDo, nil),
		subtask("a1", "a", "AJUSTE", domain.StatusInProgress),
		activity("b", "PINTURA", domain.StatusToDo, nil),
	})
	got := view.Apply(nodes, view.Query{Status: domain.StatusInProgress}, now)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("parent should match via subtask status, got %v", got)
	}
}

func TestDueBuckets(t *testing.T) {
	nodes := view.Build([]domain.Activity{
		activity("late", "A", domain.StatusToDo, str("2026-03-08")),
		activity("today", "B", domain.StatusToDo, str("2026-03-10")),
		activity("soon", "C", domain.StatusToDo, str("2026-03-12")),
		activity("week", "D", domain.StatusToDo, str("2026-03-16")),
		activity("month", "E", domain.StatusToDo, str("2026-04-05")),
		activity("far", "F", domain.StatusToDo, str("2026-06-01")),
		activity("undated", "G", domain.StatusToDo, nil),
		activity("finished", "H", domain.StatusDone, str("2026-03-08")),
	})
	cases := []struct {
		bucket string
		want   []string
	}{
		{view.DueAll, []string{"late", "today", "soon", "week", "month", "far", "undated", "finished"}},
		{view.DueOverdue, []string{"late"}},
		{view.DueToday, []string{"today"}},
		{view.Due3Days, []string{"today", "soon"}},
		{view.Due7Days, []string{"today", "soon", "week"}},
		{view.Due30Days, []string{"today", "soon", "week", "month"}},
	}
	for _, tc := range cases {
		got := view.Apply(nodes, view.Query{Due: tc.bucket}, now)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: want %v, got %d nodes", tc.bucket, tc.want, len(got))
		}
		for i, id := range tc.want {
			if got[i].ID != id {
				t.Fatalf("%s: want %v at %d, got %s", tc.bucket, id, i, got[i].ID)
			}
		}
	}
}

func TestSortByDateMissingLast(t *testing.T) {
	nodes := view.Build([]domain.Activity{
		activity("undated", "A", domain.StatusToDo, nil),
		activity("late", "B", domain.StatusToDo, str("2026-03-20")),
		activity("early", "C", domain.StatusToDo, str("2026-03-05")),
	})
	got := view.Apply(nodes, view.Query{Sort: view.SortDate}, now)
	want := []string{"early", "late", "undated"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("date sort: want %v, got %s at %d", want, got[i].ID, i)
		}
	}
}

func TestSortByDaysLeft(t *testing.T) {
	nodes := view.Build([]domain.Activity{
		activity("far", "A", domain.StatusToDo, str("2026-04-01")),
		activity("overdue", "B", domain.StatusToDo, str("2026-03-01")),
		activity("undated", "C", domain.StatusToDo, nil),
		activity("today", "D", domain.StatusToDo, str("2026-03-10")),
	})
	got := view.Apply(nodes, view.Query{Sort: view.SortDaysLeft}, now)
	want := []string{"overdue", "today", "far", "undated"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("days_left sort: want %v, got %s at %d", want, got[i].ID, i)
		}
	}
}

func TestSortByStatusIsStable(t *testing.T) {
	nodes := view.Build([]domain.Activity{
		activity("d1", "A", domain.StatusDone, nil),
		activity("t1", "B", domain.StatusToDo, nil),
		activity("p1", "C", domain.StatusPaused, nil),
		activity("i1", "D", domain.StatusInProgress, nil),
		activity("t2", "E", domain.StatusToDo, nil),
	})
	got := view.Apply(nodes, view.Query{Sort: view.SortStatus}, now)
	want := []string{"t1", "t2", "i1", "p1", "d1"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("status sort: want %v, got %s at %d", want, got[i].ID, i)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := view.Summarize([]domain.Activity{
		activity("a", "A", domain.StatusDone, nil),
		activity("b", "B", domain.StatusDone, nil),
		activity("c", "C", domain.StatusInProgress, nil),
		activity("d", "D", domain.StatusToDo, nil),
	})
	if s.Total != 4 || s.Done != 2 || s.InProgress != 1 || s.ToDo != 1 {
		t.Fatalf("bad counts: %+v", s)
	}
	if s.Percent != 50 {
		t.Fatalf("want 50%%, got %d", s.Percent)
	}
}
