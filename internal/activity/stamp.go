package activity

import (
	"strings"
	"time"
)

// Stamp orders writes to a single property.
// Time is unix nanoseconds; Node breaks ties between devices.
type Stamp struct {
	Time int64  `json:"t"`
	Node string `json:"n"`
}

// After reports whether s wins over o.
func (s Stamp) After(o Stamp) bool {
	if s.Time != o.Time {
		return s.Time > o.Time
	}
	return s.Node > o.Node
}

// IsZero reports whether the stamp was never set.
func (s Stamp) IsZero() bool {
	return s.Time == 0 && s.Node == ""
}

// NextStamp returns a stamp for node that is later than prev, using now
// unless the clock is behind prev.
func NextStamp(prev Stamp, now time.Time, node string) Stamp {
	t := now.UnixNano()
	if t <= prev.Time {
		t = prev.Time + 1
	}
	return Stamp{Time: t, Node: node}
}

// Field is a bit set of mutable Activity properties.
type Field uint8

const (
	FieldStart Field = 1 << iota
	FieldEnd
	FieldType

	FieldNone Field = 0
	FieldAll        = FieldStart | FieldEnd | FieldType
)

// Has reports whether every bit of x is set in f.
func (f Field) Has(x Field) bool {
	return f&x == x && x != 0
}

func (f Field) String() string {
	if f == FieldNone {
		return "none"
	}
	var parts []string
	if f.Has(FieldStart) {
		parts = append(parts, "startDate")
	}
	if f.Has(FieldEnd) {
		parts = append(parts, "endDate")
	}
	if f.Has(FieldType) {
		parts = append(parts, "type")
	}
	return strings.Join(parts, ",")
}

// Stamps holds one Stamp per mutable property.
type Stamps struct {
	Start Stamp `json:"startDate"`
	End   Stamp `json:"endDate"`
	Type  Stamp `json:"type"`
}

// Versioned is an Activity together with its property stamps.
type Versioned struct {
	Activity
	Stamps Stamps `json:"stamps"`
}

// Stamped versions a brand new activity; every property gets the same stamp.
func Stamped(a Activity, now time.Time, node string) Versioned {
	s := NextStamp(Stamp{}, now, node)
	return Versioned{
		Activity: a.Normalize(),
		Stamps:   Stamps{Start: s, End: s, Type: s},
	}
}

// Revise applies next on top of v. Only properties whose value differs get a
// new stamp; the returned Field lists them.
func (v Versioned) Revise(next Activity, now time.Time, node string) (Versioned, Field) {
	next = next.Normalize()
	out := Versioned{Activity: v.Activity.Clone(), Stamps: v.Stamps}
	changed := FieldNone

	if !next.StartDate.Equal(v.StartDate) {
		out.StartDate = next.StartDate
		out.Stamps.Start = NextStamp(v.Stamps.Start, now, node)
		changed |= FieldStart
	}
	if !sameEnd(next.EndDate, v.EndDate) {
		out.EndDate = next.Clone().EndDate
		out.Stamps.End = NextStamp(v.Stamps.End, now, node)
		changed |= FieldEnd
	}
	if next.Type != v.Type {
		out.Type = next.Type
		out.Stamps.Type = NextStamp(v.Stamps.Type, now, node)
		changed |= FieldType
	}
	return out, changed
}

// Merge combines two versions of the same record property by property.
// Each property takes the value with the later stamp, so Merge(a, b) and
// Merge(b, a) produce the same record. The returned Field lists the
// properties of the result that differ from local.
func Merge(local, remote Versioned) (Versioned, Field) {
	out := Versioned{Activity: local.Activity.Clone(), Stamps: local.Stamps}
	changed := FieldNone

	if wins(remote.Stamps.Start, local.Stamps.Start, remote.StartDate.UnixNano() > local.StartDate.UnixNano()) {
		out.StartDate = remote.StartDate
		out.Stamps.Start = remote.Stamps.Start
		if !remote.StartDate.Equal(local.StartDate) {
			changed |= FieldStart
		}
	}
	if wins(remote.Stamps.End, local.Stamps.End, endAfter(remote.EndDate, local.EndDate)) {
		out.EndDate = remote.Clone().EndDate
		out.Stamps.End = remote.Stamps.End
		if !sameEnd(remote.EndDate, local.EndDate) {
			changed |= FieldEnd
		}
	}
	if wins(remote.Stamps.Type, local.Stamps.Type, remote.Type > local.Type) {
		out.Type = remote.Type
		out.Stamps.Type = remote.Stamps.Type
		if remote.Type != local.Type {
			changed |= FieldType
		}
	}
	return out, changed
}

// wins decides whether the candidate property replaces the current one.
// Identical stamps fall back to comparing values so the outcome never
// depends on argument order.
func wins(candidate, current Stamp, candidateValueGreater bool) bool {
	if candidate == current {
		return candidateValueGreater
	}
	return candidate.After(current)
}

func endAfter(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.UnixNano() > b.UnixNano()
	}
}
