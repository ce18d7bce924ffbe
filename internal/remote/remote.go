// Package remote defines the contract with the remote replica and two
// implementations of it.
//
// # Overview
//
// The replica stores records in zones. Every user owns a "private" zone;
// sharing creates additional zones owned by the sharer that invited
// participants may read and write. Each zone has a change feed ordered by
// a Cursor: Pull returns the records changed after a cursor, and Subscribe
// delivers a Signal whenever a zone the caller can see moves forward.
//
// Cloud is an in-process replica. It merges pushed records property by
// property, keeps tombstones for deleted ids and enforces zone access. The
// relay package serves a Cloud over HTTP, and Client talks to that relay.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
)

// PrivateZoneName is the zone every user syncs their private store with.
const PrivateZoneName = "private"

var (
	// ErrForbidden is returned when the caller cannot access a zone or share.
	ErrForbidden = errors.New("access to zone denied")

	// ErrUnknownInvitation is returned when an invitation token matches no share.
	ErrUnknownInvitation = errors.New("unknown invitation")

	// ErrInvalidZone is returned for malformed zone names.
	ErrInvalidZone = errors.New("invalid zone")
)

// Caller identifies who is talking to the replica.
type Caller struct {
	User   string `json:"user"`
	Device string `json:"device"`
}

// Zone is a named record container owned by one user.
type Zone struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// PrivateZone returns the private zone of owner.
func PrivateZone(owner string) Zone {
	return Zone{Owner: owner, Name: PrivateZoneName}
}

// String formats the zone as "owner/name".
func (z Zone) String() string {
	return z.Owner + "/" + z.Name
}

// IsZero reports whether the zone is unset.
func (z Zone) IsZero() bool {
	return z.Owner == "" && z.Name == ""
}

// Validate checks that both parts are present and contain no slash.
func (z Zone) Validate() error {
	if z.Owner == "" || z.Name == "" {
		return fmt.Errorf("%w: %q", ErrInvalidZone, z.String())
	}
	if strings.Contains(z.Owner, "/") || strings.Contains(z.Name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidZone, z.String())
	}
	return nil
}

// ParseZone parses "owner/name".
func ParseZone(s string) (Zone, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok {
		return Zone{}, fmt.Errorf("%w: %q", ErrInvalidZone, s)
	}
	z := Zone{Owner: owner, Name: name}
	return z, z.Validate()
}

// Cursor is a position in a zone's change feed.
type Cursor int64

// Record is one replicated Activity or a tombstone for a deleted id.
type Record struct {
	activity.Versioned
	Deleted    bool   `json:"deleted,omitempty"`
	ModifiedBy string `json:"modifiedBy,omitempty"`
}

// Tombstone returns a deletion record for id.
func Tombstone(id string) Record {
	return Record{Versioned: activity.Versioned{Activity: activity.Activity{ID: id}}, Deleted: true}
}

// Batch is one page of a zone's change feed.
type Batch struct {
	Records []Record `json:"records"`
	// Cursor is the position after the last record (or the requested
	// cursor when the page is empty)
	Cursor Cursor `json:"cursor"`
	// More is true when another Pull would return more records
	More bool `json:"more"`
}

// Signal tells a subscriber that a zone changed.
type Signal struct {
	Zone   Zone   `json:"zone"`
	Cursor Cursor `json:"cursor"`
	// Device is the device whose push caused the change
	Device string `json:"device"`
}

// Share is the sharing boundary attached to one of the owner's zones.
type Share struct {
	ID           string    `json:"id"`
	Zone         Zone      `json:"zone"`
	Root         Zone      `json:"root"`
	Owner        string    `json:"owner"`
	Participants []string  `json:"participants"`
	Token        string    `json:"token,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Invitation returns the metadata a participant needs to accept the share.
func (s Share) Invitation() Invitation {
	return Invitation{ShareID: s.ID, Owner: s.Owner, Zone: s.Zone, Token: s.Token}
}

// HasParticipant reports whether user was admitted to the share.
func (s Share) HasParticipant(user string) bool {
	for _, p := range s.Participants {
		if p == user {
			return true
		}
	}
	return false
}

// Invitation is the out-of-band metadata exchanged to join a share.
type Invitation struct {
	ShareID string `json:"shareId"`
	Owner   string `json:"owner"`
	Zone    Zone   `json:"zone"`
	Token   string `json:"token"`
}

// Transport is the replica as seen by one caller.
type Transport interface {
	// Push stores records in zone and returns the zone cursor afterwards.
	Push(ctx context.Context, zone Zone, records []Record) (Cursor, error)

	// Pull returns up to limit records changed after since (0 = no limit).
	Pull(ctx context.Context, zone Zone, since Cursor, limit int) (Batch, error)

	// Subscribe delivers change signals for every zone the caller can see
	// until ctx ends.
	Subscribe(ctx context.Context) (<-chan Signal, error)

	// FetchShare returns the caller's share rooted at root, or nil.
	FetchShare(ctx context.Context, root Zone) (*Share, error)

	// FetchSharedShare returns a share the caller participates in, or nil.
	FetchSharedShare(ctx context.Context) (*Share, error)

	// SaveShare creates the share rooted at root. Creating it twice returns
	// the existing share.
	SaveShare(ctx context.Context, root Zone) (Share, error)

	// AcceptShare admits the caller to the share named by inv.
	AcceptShare(ctx context.Context, inv Invitation) (Share, error)
}
