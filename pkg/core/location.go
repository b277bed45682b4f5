// pkg/core/location.go
package core

import "time"

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// MemberLocation is a single member's reported coordinate as returned by a remote store.
// It is an immutable snapshot of one fetch.
type MemberLocation struct {
	MemberID  string
	Latitude  float64
	Longitude float64
	UpdatedAt time.Time // zero when the store does not report it
}

// Coordinate returns the record's position.
func (l MemberLocation) Coordinate() Coordinate {
	return Coordinate{Latitude: l.Latitude, Longitude: l.Longitude}
}

// MarkerEntity is the on-screen representation of a member's location.
// It is created once per member and mutated in place afterwards.
type MarkerEntity struct {
	MemberID     string     `json:"memberId"`
	Coordinate   Coordinate `json:"coordinate"`
	DisplayLabel string     `json:"displayLabel"`
	IconRef      string     `json:"iconRef"`
}
