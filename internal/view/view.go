// Package view builds the read-side of a work order's checklist: the
// two-level activity tree plus the filters and orderings the floor
// dashboard exposes. Everything here is pure; callers pass the activity
// slice and a reference instant.
package view

import (
	"sort"
	"time"

	"opdtrack/internal/domain"
)

// Due buckets.
const (
	DueAll     = "all"
	DueOverdue = "overdue"
	DueToday   = "today"
	Due3Days   = "3_days"
	Due7Days   = "7_days"
	Due30Days  = "30_days"
)

// Sort orders.
const (
	SortNone     = ""
	SortDate     = "date"
	SortDaysLeft = "days_left"
	SortStatus   = "status"
)

// Node is a top-level activity with its subtasks. Subtasks do not nest.
type Node struct {
	domain.Activity
	Subtasks []domain.Activity `json:"subtasks,omitempty"`
}

// Query selects and orders nodes. Zero value means everything in
// checklist order.
type Query struct {
	Status string
	Due    string
	Sort   string
}

// DaysLeft returns whole calendar days from now until the due date, both
// taken at local midnight. Negative means overdue. ok is false when the
// date is absent or unparseable.
func DaysLeft(due *string, now time.Time) (int, bool) {
	if due == nil || *due == "" {
		return 0, false
	}
	d, err := time.Parse("2006-01-02", *due)
	if err != nil {
		return 0, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	target := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return int(target.Sub(today) / (24 * time.Hour)), true
}

// Build assembles the tree from a flat slice. Children attach to their
// parent; a child whose parent is not in the slice is dropped.
func Build(activities []domain.Activity) []Node {
	children := map[string][]domain.Activity{}
	var nodes []Node
	for _, a := range activities {
		if a.ParentID != nil {
			children[*a.ParentID] = append(children[*a.ParentID], a)
		}
	}
	for _, a := range activities {
		if a.ParentID != nil {
			continue
		}
		nodes = append(nodes, Node{Activity: a, Subtasks: children[a.ID]})
	}
	return nodes
}

// Apply filters and orders the tree per the query. The input slice is
// not modified.
func Apply(nodes []Node, q Query, now time.Time) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if !matchStatus(n, q.Status) {
			continue
		}
		if !matchDue(n.Activity, q.Due, now) {
			continue
		}
		out = append(out, n)
	}
	sortNodes(out, q.Sort, now)
	return out
}

// matchStatus keeps a node when it, or any of its subtasks, carries the
// wanted status.
func matchStatus(n Node, status string) bool {
	if status == "" {
		return true
	}
	if n.Status == status {
		return true
	}
	for _, sub := range n.Subtasks {
		if sub.Status == status {
			return true
		}
	}
	return false
}

// matchDue applies the due bucket to the node's own due date. Finished
// activities only show under the all bucket.
func matchDue(a domain.Activity, bucket string, now time.Time) bool {
	if bucket == "" || bucket == DueAll {
		return true
	}
	if a.Status == domain.StatusDone {
		return false
	}
	days, ok := DaysLeft(a.DueDate, now)
	switch bucket {
	case DueOverdue:
		return ok && days < 0
	case DueToday:
		return ok && days == 0
	case Due3Days:
		return ok && days >= 0 && days <= 3
	case Due7Days:
		return ok && days >= 0 && days <= 7
	case Due30Days:
		return ok && days >= 0 && days <= 30
	}
	return true
}

var statusRank = map[string]int{
	domain.StatusToDo:       0,
	domain.StatusInProgress: 1,
	domain.StatusPaused:     2,
	domain.StatusDone:       3,
}

func sortNodes(nodes []Node, order string, now time.Time) {
	switch order {
	case SortDate:
		sort.SliceStable(nodes, func(i, j int) bool {
			return dueKey(nodes[i].DueDate) < dueKey(nodes[j].DueDate)
		})
	case SortDaysLeft:
		sort.SliceStable(nodes, func(i, j int) bool {
			return daysKey(nodes[i].DueDate, now) < daysKey(nodes[j].DueDate, now)
		})
	case SortStatus:
		sort.SliceStable(nodes, func(i, j int) bool {
			return statusRank[nodes[i].Status] < statusRank[nodes[j].Status]
		})
	}
}

// dueKey sorts missing or malformed dates last.
func dueKey(due *string) string {
	if due == nil || *due == "" {
		return "\xff"
	}
	if _, err := time.Parse("2006-01-02", *due); err != nil {
		return "\xff"
	}
	return *due
}

const daysInfinity = int(^uint(0) >> 1)

func daysKey(due *string, now time.Time) int {
	days, ok := DaysLeft(due, now)
	if !ok {
		return daysInfinity
	}
	return days
}

// Stats summarizes checklist progress across all activities, subtasks
// included.
type Stats struct {
	Total      int `json:"total"`
	ToDo       int `json:"to_do"`
	InProgress int `json:"in_progress"`
	Paused     int `json:"paused"`
	Done       int `json:"done"`
	Percent    int `json:"percent"`
}

func Summarize(activities []domain.Activity) Stats {
	var s Stats
	s.Total = len(activities)
	for _, a := range activities {
		switch a.Status {
		case domain.StatusToDo:
			s.ToDo++
		case domain.StatusInProgress:
			s.InProgress++
		case domain.StatusPaused:
			s.Paused++
		case domain.StatusDone:
			s.Done++
		}
	}
	if s.Total > 0 {
		s.Percent = int(float64(s.Done)/float64(s.Total)*100 + 0.5)
	}
	return s
}
