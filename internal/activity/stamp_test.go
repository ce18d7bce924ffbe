package activity

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestNextStamp_Monotonic(t *testing.T) {
	prev := Stamp{Time: base.Add(time.Hour).UnixNano(), Node: "a"}

	// Clock behind the previous stamp still moves forward.
	next := NextStamp(prev, base, "b")
	if next.Time != prev.Time+1 || next.Node != "b" {
		t.Errorf("NextStamp(behind) = %+v, want {%d b}", next, prev.Time+1)
	}

	later := NextStamp(prev, base.Add(2*time.Hour), "b")
	if later.Time != base.Add(2*time.Hour).UnixNano() {
		t.Errorf("NextStamp(ahead).Time = %d, want %d", later.Time, base.Add(2*time.Hour).UnixNano())
	}
}

func TestStamp_After(t *testing.T) {
	a := Stamp{Time: 10, Node: "a"}
	b := Stamp{Time: 10, Node: "b"}
	c := Stamp{Time: 11, Node: "a"}

	tests := []struct {
		name string
		x, y Stamp
		want bool
	}{
		{"node breaks tie", b, a, true},
		{"lower node", a, b, false},
		{"later time", c, b, true},
		{"self", a, a, false},
	}
	for _, tt := range tests {
		if got := tt.x.After(tt.y); got != tt.want {
			t.Errorf("%s: %+v.After(%+v) = %v, want %v", tt.name, tt.x, tt.y, got, tt.want)
		}
	}
}

func TestVersioned_ReviseStampsOnlyChangedFields(t *testing.T) {
	v := Stamped(New(base, TypeSleep), base, "phone")

	next, changed := v.Revise(v.Activity.Ended(base.Add(time.Hour)), base.Add(time.Hour), "phone")

	if changed != FieldEnd {
		t.Errorf("changed = %s, want %s", changed, FieldEnd)
	}
	if next.Stamps.Start != v.Stamps.Start || next.Stamps.Type != v.Stamps.Type {
		t.Errorf("untouched stamps moved: %+v -> %+v", v.Stamps, next.Stamps)
	}
	if !next.Stamps.End.After(v.Stamps.End) {
		t.Errorf("end stamp %+v not after %+v", next.Stamps.End, v.Stamps.End)
	}

	same, changed := next.Revise(next.Activity, base.Add(2*time.Hour), "phone")
	if changed != FieldNone {
		t.Errorf("no-op Revise changed = %s, want none", changed)
	}
	if same.Stamps != next.Stamps {
		t.Errorf("no-op Revise stamps = %+v, want %+v", same.Stamps, next.Stamps)
	}
}

func TestMerge_DisjointEditsCommute(t *testing.T) {
	original := Stamped(New(base, TypeSleep), base, "phone")

	// Device A ends the session, device B changes the type, concurrently.
	onA, _ := original.Revise(original.Activity.Ended(base.Add(time.Hour)), base.Add(time.Hour), "phone")
	retyped := original.Activity
	retyped.Type = TypeTummyTime
	onB, _ := original.Revise(retyped, base.Add(50*time.Minute), "tablet")

	ab, _ := Merge(onA, onB)
	ba, _ := Merge(onB, onA)

	if !ab.Activity.Equal(ba.Activity) {
		t.Fatalf("Merge is not commutative: %+v vs %+v", ab.Activity, ba.Activity)
	}
	if ab.Stamps != ba.Stamps {
		t.Errorf("merged stamps differ: %+v vs %+v", ab.Stamps, ba.Stamps)
	}

	if ab.EndDate == nil || !ab.EndDate.Equal(base.Add(time.Hour)) {
		t.Errorf("EndDate = %v, want %v", ab.EndDate, base.Add(time.Hour))
	}
	if ab.Type != TypeTummyTime {
		t.Errorf("Type = %s, want %s", ab.Type, TypeTummyTime)
	}
	if !ab.StartDate.Equal(base) {
		t.Errorf("StartDate = %v, want %v", ab.StartDate, base)
	}
}

func TestMerge_LaterStampWinsPerField(t *testing.T) {
	original := Stamped(New(base, TypeSleep), base, "phone")

	early, _ := original.Revise(original.Activity.Ended(base.Add(time.Hour)), base.Add(time.Hour), "phone")
	late, _ := original.Revise(original.Activity.Ended(base.Add(2*time.Hour)), base.Add(3*time.Hour), "tablet")

	merged, changed := Merge(early, late)
	if changed != FieldEnd {
		t.Errorf("Merge(early, late) changed = %s, want %s", changed, FieldEnd)
	}
	if !merged.EndDate.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("Merge(early, late).EndDate = %v, want %v", merged.EndDate, base.Add(2*time.Hour))
	}

	merged, changed = Merge(late, early)
	if changed != FieldNone {
		t.Errorf("Merge(late, early) changed = %s, want none", changed)
	}
	if !merged.EndDate.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("Merge(late, early).EndDate = %v, want %v", merged.EndDate, base.Add(2*time.Hour))
	}
}

func TestMerge_Idempotent(t *testing.T) {
	v := Stamped(New(base, TypeTummyTime), base, "phone")

	merged, changed := Merge(v, v)
	if changed != FieldNone {
		t.Errorf("changed = %s, want none", changed)
	}
	if !merged.Activity.Equal(v.Activity) || merged.Stamps != v.Stamps {
		t.Errorf("Merge(v, v) = %+v, want %+v", merged, v)
	}
}

func TestMerge_IdenticalStampsAreOrderIndependent(t *testing.T) {
	s := Stamp{Time: base.UnixNano(), Node: "x"}
	a := Versioned{Activity: Activity{ID: "r", StartDate: base, Type: TypeSleep}, Stamps: Stamps{Start: s, End: s, Type: s}}
	b := Versioned{Activity: Activity{ID: "r", StartDate: base.Add(time.Minute), Type: TypeTummyTime}, Stamps: Stamps{Start: s, End: s, Type: s}}

	ab, _ := Merge(a, b)
	ba, _ := Merge(b, a)
	if !ab.Activity.Equal(ba.Activity) {
		t.Errorf("Merge depends on order: %+v vs %+v", ab.Activity, ba.Activity)
	}
}

func TestField_String(t *testing.T) {
	tests := []struct {
		field Field
		want  string
	}{
		{FieldNone, "none"},
		{FieldAll, "startDate,endDate,type"},
		{FieldEnd, "endDate"},
	}
	for _, tt := range tests {
		if got := tt.field.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if !FieldAll.Has(FieldEnd | FieldType) {
		t.Error("FieldAll.Has(end|type) = false")
	}
	if FieldEnd.Has(FieldType) {
		t.Error("FieldEnd.Has(type) = true")
	}
}
