package activity

import (
	"reflect"
	"testing"
	"time"
)

func sample(now time.Time) (a3, a1, a2 Activity) {
	a3 = Activity{ID: "three", StartDate: now.Add(-3 * time.Hour), Type: TypeSleep}
	a1 = Activity{ID: "one", StartDate: now.Add(-1 * time.Hour), Type: TypeTummyTime}
	a2 = Activity{ID: "two", StartDate: now.Add(-2 * time.Hour), Type: TypeSleep}
	return a3, a1, a2
}

func ids(list []Activity) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ID)
	}
	return out
}

func TestQuery_ApplyOrdering(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	a3, a1, a2 := sample(now)
	list := []Activity{a3, a1, a2}

	if got, want := ids(All().Apply(list)), []string{"one", "two", "three"}; !reflect.DeepEqual(got, want) {
		t.Errorf("newest first = %v, want %v", got, want)
	}
	if got, want := ids(Query{Order: OldestFirst}.Apply(list)), []string{"three", "two", "one"}; !reflect.DeepEqual(got, want) {
		t.Errorf("oldest first = %v, want %v", got, want)
	}
}

func TestQuery_ApplyFilters(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	a3, a1, a2 := sample(now)
	list := []Activity{a3, a1, a2}

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"by id", ByID("two"), []string{"two"}},
		{"types", Query{Types: []Type{TypeTummyTime}}, []string{"one"}},
		{"limit", Query{Limit: 2}, []string{"one", "two"}},
		{"between inclusive start exclusive end", Between(now.Add(-3*time.Hour), now.Add(-1*time.Hour)), []string{"two", "three"}},
		{"after only", Query{After: ptr(now.Add(-90 * time.Minute))}, []string{"one"}},
		{"no match", ByID("missing"), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(tt.query.Apply(list)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Apply() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuery_ApplyCopies(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	end := now
	list := []Activity{{ID: "x", StartDate: now.Add(-time.Hour), EndDate: &end}}

	out := All().Apply(list)
	*out[0].EndDate = now.Add(time.Hour)

	if !list[0].EndDate.Equal(now) {
		t.Errorf("input EndDate = %v, want %v (Apply must copy)", *list[0].EndDate, now)
	}
}

func ptr(t time.Time) *time.Time {
	return &t
}
