package work

import (
	"fmt"
	"strings"
)

// Queue holds every work item ever seen, partitioned by status, and answers
// the dependency-eligibility queries the scheduler needs.
//
// Queue is not safe for concurrent use; the coordinator serializes access.
type Queue struct {
	items map[string]*Item

	// dependents is the reverse dependency index: dep id -> ids that list it.
	dependents map[string][]string

	// order preserves insertion order for FIFO tie-breaking and deterministic
	// snapshots.
	order []string
}

func NewQueue() *Queue {
	return &Queue{
		items:      map[string]*Item{},
		dependents: map[string][]string{},
	}
}

// Add validates the item and inserts it as Queued.
// On any violation the queue is left unchanged and a *ValidationError is returned.
func (q *Queue) Add(it *Item) error {
	if it == nil {
		return &ValidationError{Field: "item", Reason: "nil item"}
	}
	id := strings.TrimSpace(it.ID)
	if id == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if _, exists := q.items[id]; exists {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("%q already exists (ids are never reused)", id)}
	}
	if it.Priority < MinPriority || it.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("%d outside [%d,%d]", it.Priority, MinPriority, MaxPriority)}
	}
	if it.Complexity != 0 && (it.Complexity < MinComplexity || it.Complexity > MaxComplexity) {
		return &ValidationError{Field: "complexity", Reason: fmt.Sprintf("%d outside [%d,%d]", it.Complexity, MinComplexity, MaxComplexity)}
	}
	if it.EstimatedQuota < 0 {
		return &ValidationError{Field: "estimated_quota", Reason: "must be >= 0"}
	}

	seen := map[string]bool{}
	for _, dep := range it.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			return &ValidationError{Field: "dependencies", Reason: "empty dependency id"}
		}
		if dep == id {
			return &ValidationError{Field: "dependencies", Reason: "item cannot depend on itself"}
		}
		if seen[dep] {
			return &ValidationError{Field: "dependencies", Reason: fmt.Sprintf("duplicate dependency %q", dep)}
		}
		seen[dep] = true
		if _, ok := q.items[dep]; !ok {
			return &ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown dependency %q", dep)}
		}
	}
	if cyc := q.findCycle(id, it.Dependencies); cyc != "" {
		return &ValidationError{Field: "dependencies", Reason: "dependency cycle via " + cyc}
	}

	it.ID = id
	it.Status = StatusQueued
	q.items[id] = it
	q.order = append(q.order, id)
	for dep := range seen {
		q.dependents[dep] = append(q.dependents[dep], id)
	}
	return nil
}

// findCycle walks the proposed item's dependency closure and reports a member
// of any path that would lead back to the new id.
//
// Because dependencies may only reference existing items, insertion cannot
// normally create a cycle; the walk guards future mutation paths and corrupt
// restores all the same.
func (q *Queue) findCycle(newID string, deps []string) string {
	visited := map[string]bool{}
	var walk func(id string) string
	walk = func(id string) string {
		if id == newID {
			return id
		}
		if visited[id] {
			return ""
		}
		visited[id] = true
		it, ok := q.items[id]
		if !ok {
			return ""
		}
		for _, d := range it.Dependencies {
			if hit := walk(d); hit != "" {
				return hit
			}
		}
		return ""
	}
	for _, d := range deps {
		if hit := walk(d); hit != "" {
			return hit
		}
	}
	return ""
}

// Get returns the item with the given id.
func (q *Queue) Get(id string) (*Item, bool) {
	it, ok := q.items[id]
	return it, ok
}

// Len is the total number of items ever added.
func (q *Queue) Len() int { return len(q.items) }

// ByStatus returns items with the given status in insertion order.
func (q *Queue) ByStatus(s Status) []*Item {
	var out []*Item
	for _, id := range q.order {
		if it := q.items[id]; it != nil && it.Status == s {
			out = append(out, it)
		}
	}
	return out
}

// ActiveCount is the number of items currently Active.
func (q *Queue) ActiveCount() int {
	n := 0
	for _, it := range q.items {
		if it.Status == StatusActive {
			n++
		}
	}
	return n
}

// DepsCompleted reports whether every dependency of the item is Completed.
func (q *Queue) DepsCompleted(it *Item) bool {
	for _, dep := range it.Dependencies {
		d, ok := q.items[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Eligible returns Queued items whose dependencies are all Completed,
// in insertion order.
func (q *Queue) Eligible() []*Item {
	var out []*Item
	for _, id := range q.order {
		it := q.items[id]
		if it == nil || it.Status != StatusQueued {
			continue
		}
		if q.DepsCompleted(it) {
			out = append(out, it)
		}
	}
	return out
}

// UnblockCount is the number of currently Queued items that list id as a
// dependency. It feeds the admission score: completing such an item frees
// future work.
func (q *Queue) UnblockCount(id string) int {
	n := 0
	for _, dep := range q.dependents[id] {
		if it, ok := q.items[dep]; ok && it.Status == StatusQueued {
			n++
		}
	}
	return n
}

// Transition moves the item to a new status, enforcing the state machine and
// the dependency invariant (an item may become Active only when every
// dependency is Completed).
func (q *Queue) Transition(id string, to Status) error {
	it, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if !ValidTransition(it.Status, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrBadTransition, it.Status, to, id)
	}
	if to == StatusActive && !q.DepsCompleted(it) {
		return fmt.Errorf("%w: %s has incomplete dependencies", ErrBadTransition, id)
	}
	it.Status = to
	return nil
}

// Items returns every item in insertion order. Callers must not mutate the
// returned items outside the coordinator lock.
func (q *Queue) Items() []*Item {
	out := make([]*Item, 0, len(q.order))
	for _, id := range q.order {
		if it := q.items[id]; it != nil {
			out = append(out, it)
		}
	}
	return out
}

// Restore rebuilds the queue from a persisted snapshot. Items are trusted to
// have been validated at original insertion; structural integrity (unique ids,
// known dependencies) is still checked so a corrupt snapshot fails closed.
func Restore(items []*Item) (*Queue, error) {
	q := NewQueue()
	for _, it := range items {
		if it == nil {
			return nil, fmt.Errorf("restore: nil item")
		}
		if _, dup := q.items[it.ID]; dup {
			return nil, fmt.Errorf("restore: duplicate id %q", it.ID)
		}
		q.items[it.ID] = it
		q.order = append(q.order, it.ID)
	}
	for _, it := range q.items {
		for _, dep := range it.Dependencies {
			if _, ok := q.items[dep]; !ok {
				return nil, fmt.Errorf("restore: item %q references unknown dependency %q", it.ID, dep)
			}
			q.dependents[dep] = append(q.dependents[dep], it.ID)
		}
	}
	return q, nil
}
