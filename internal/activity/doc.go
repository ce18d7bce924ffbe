// Package activity defines the Activity record shared by the local stores,
// the remote replica and the repository facade.
//
// # Overview
//
// An Activity is one timed sleep (or tummy time) session. It is identified by
// a UUID assigned at creation; the id never changes and is the key used to
// merge versions of the same record coming from different devices.
//
//	{
//	  "id": "0b5c4a4e-8c1e-4d47-9d0e-5b7f0c5f6a11",
//	  "startDate": "2026-03-02T08:00:00Z",
//	  "endDate": "2026-03-02T09:00:00Z",
//	  "type": "sleep"
//	}
//
// An absent endDate means the session is still running.
//
// # Versions
//
// Stores keep a Versioned record: the Activity plus one Stamp per mutable
// property. Merge combines two versions property by property, keeping the
// value with the later stamp, so concurrent edits of different properties on
// different devices are both preserved.
//
// # Forward Compatibility
//
// Type values written by newer clients are read back as TypeSleep (see
// ParseType). Nothing else is validated: an endDate earlier than startDate is
// stored as given.
package activity
