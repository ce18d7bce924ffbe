package activity

import (
	"time"

	"github.com/google/uuid"
)

// Type is the kind of session being recorded.
type Type string

const (
	// TypeSleep is a sleep session. It is also the fallback for unknown values.
	TypeSleep Type = "sleep"
	// TypeTummyTime is an awake tummy time session.
	TypeTummyTime Type = "tummyTime"
)

// ParseType converts a stored type value into a Type.
//
// Values this build does not know about (written by a newer client, or an
// empty column) are read as TypeSleep.
func ParseType(s string) Type {
	switch Type(s) {
	case TypeSleep, TypeTummyTime:
		return Type(s)
	default:
		return TypeSleep
	}
}

// IsValid reports whether t is one of the known types.
func (t Type) IsValid() bool {
	return t == TypeSleep || t == TypeTummyTime
}

// UnmarshalText applies ParseType so decoded records follow the same fallback.
func (t *Type) UnmarshalText(b []byte) error {
	*t = ParseType(string(b))
	return nil
}

// StoreID names one of the two physical stores.
type StoreID string

const (
	// StorePrivate holds records only the owner can see.
	StorePrivate StoreID = "private"
	// StoreShared holds records visible to the participants of a share.
	StoreShared StoreID = "shared"
)

// Activity is a value snapshot of one session.
// Callers only ever hold copies; stores own the durable representation.
type Activity struct {
	ID        string     `json:"id"`
	StartDate time.Time  `json:"startDate"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	Type      Type       `json:"type"`
}

// New creates a running activity with a fresh id.
func New(start time.Time, typ Type) Activity {
	return Activity{
		ID:        uuid.NewString(),
		StartDate: normalizeTime(start),
		Type:      typ,
	}
}

// IsActive reports whether the session has not ended yet.
func (a Activity) IsActive() bool {
	return a.EndDate == nil
}

// Duration is endDate (or now for running sessions) minus startDate.
func (a Activity) Duration(now time.Time) time.Duration {
	end := now
	if a.EndDate != nil {
		end = *a.EndDate
	}
	return end.Sub(a.StartDate)
}

// Ended returns a copy of a that ends at the given time.
func (a Activity) Ended(at time.Time) Activity {
	c := a.Clone()
	end := normalizeTime(at)
	c.EndDate = &end
	return c
}

// Clone returns a deep copy; the EndDate pointer is not shared.
func (a Activity) Clone() Activity {
	c := a
	if a.EndDate != nil {
		end := *a.EndDate
		c.EndDate = &end
	}
	return c
}

// Normalize returns a copy with UTC times stripped of monotonic readings,
// which is the form every store returns.
func (a Activity) Normalize() Activity {
	c := a.Clone()
	c.StartDate = normalizeTime(c.StartDate)
	if c.EndDate != nil {
		end := normalizeTime(*c.EndDate)
		c.EndDate = &end
	}
	c.Type = ParseType(string(c.Type))
	return c
}

// Equal reports whether both snapshots carry the same values.
func (a Activity) Equal(b Activity) bool {
	if a.ID != b.ID || a.Type != b.Type || !a.StartDate.Equal(b.StartDate) {
		return false
	}
	return sameEnd(a.EndDate, b.EndDate)
}

func sameEnd(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func normalizeTime(t time.Time) time.Time {
	return t.Round(0).UTC()
}
