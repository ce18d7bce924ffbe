package activity

import (
	"sort"
	"time"
)

// Order is the sort direction on startDate.
type Order int

const (
	// NewestFirst sorts by startDate descending. It is the zero value.
	NewestFirst Order = iota
	// OldestFirst sorts by startDate ascending.
	OldestFirst
)

func (o Order) String() string {
	if o == OldestFirst {
		return "oldest-first"
	}
	return "newest-first"
}

// Query selects activities.
type Query struct {
	// ID restricts the result to one record (empty = any)
	ID string
	// After keeps activities with startDate >= After (nil = unbounded)
	After *time.Time
	// Before keeps activities with startDate < Before (nil = unbounded)
	Before *time.Time
	// Types keeps activities of the listed types (empty = all types)
	Types []Type
	// Order is the sort direction
	Order Order
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// All matches every activity, newest first.
func All() Query {
	return Query{}
}

// ByID matches the activity with the given id.
func ByID(id string) Query {
	return Query{ID: id}
}

// Between matches activities that started in [from, to).
func Between(from, to time.Time) Query {
	return Query{After: &from, Before: &to}
}

// Matches reports whether a passes the query filters. Order and Limit are ignored.
func (q Query) Matches(a Activity) bool {
	if q.ID != "" && a.ID != q.ID {
		return false
	}
	if q.After != nil && a.StartDate.Before(*q.After) {
		return false
	}
	if q.Before != nil && !a.StartDate.Before(*q.Before) {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if a.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Less orders two activities the way the query's Order asks for.
// Equal start dates are ordered by id so results are deterministic.
func (q Query) Less(a, b Activity) bool {
	if !a.StartDate.Equal(b.StartDate) {
		if q.Order == OldestFirst {
			return a.StartDate.Before(b.StartDate)
		}
		return a.StartDate.After(b.StartDate)
	}
	return a.ID < b.ID
}

// Apply filters, sorts and limits list in memory. The input is not modified
// and the returned activities are copies.
func (q Query) Apply(list []Activity) []Activity {
	out := make([]Activity, 0, len(list))
	for _, a := range list {
		if q.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return q.Less(out[i], out[j])
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
