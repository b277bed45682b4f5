// Package parser turns raw store objects into member locations.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/OCAP2/locsync/internal/geo"
	"github.com/OCAP2/locsync/pkg/core"
)

// ParseObject decodes a JSON object and converts it to a MemberLocation.
func ParseObject(raw []byte) (core.MemberLocation, error) {
	var obj Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return core.MemberLocation{}, fmt.Errorf("%w: %v", core.ErrMalformedRecord, err)
	}
	return FromObject(obj)
}

// ParseObjects converts every raw object. The first malformed record fails the batch.
func ParseObjects(raws []json.RawMessage) ([]core.MemberLocation, error) {
	out := make([]core.MemberLocation, 0, len(raws))
	for i, raw := range raws {
		loc, err := ParseObject(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, loc)
	}
	return out, nil
}

// FromObject validates an already decoded object.
func FromObject(obj Object) (core.MemberLocation, error) {
	if obj.UserID == nil || strings.TrimSpace(*obj.UserID) == "" {
		return core.MemberLocation{}, fmt.Errorf("%w: missing userID", core.ErrMalformedRecord)
	}
	if obj.Location == nil || obj.Location.Lat == nil || obj.Location.Lon == nil {
		return core.MemberLocation{}, fmt.Errorf("%w: missing location for %s", core.ErrMalformedRecord, *obj.UserID)
	}
	if obj.Location.Type != "" && obj.Location.Type != geoPointType {
		return core.MemberLocation{}, fmt.Errorf("%w: location of %s is %q, not a point", core.ErrMalformedRecord, *obj.UserID, obj.Location.Type)
	}
	lat, lon := *obj.Location.Lat, *obj.Location.Lon
	if err := geo.Validate(lat, lon); err != nil {
		return core.MemberLocation{}, fmt.Errorf("%w: %s (%f,%f): %v", core.ErrMalformedRecord, *obj.UserID, lat, lon, err)
	}

	loc := core.MemberLocation{
		MemberID:  *obj.UserID,
		Latitude:  lat,
		Longitude: lon,
	}
	if obj.Modified > 0 {
		loc.UpdatedAt = time.UnixMilli(obj.Modified).UTC()
	}
	return loc, nil
}

// NewObject builds the stored object for a member location.
func NewObject(userID string, lat, lon float64) (Object, error) {
	if strings.TrimSpace(userID) == "" {
		return Object{}, fmt.Errorf("%w: missing userID", core.ErrMalformedRecord)
	}
	if err := geo.Validate(lat, lon); err != nil {
		return Object{}, err
	}
	return Object{
		UserID:   &userID,
		Location: &GeoPoint{Type: geoPointType, Lat: &lat, Lon: &lon},
	}, nil
}

// MarshalObject encodes the stored object for a member location as JSON.
func MarshalObject(userID string, lat, lon float64) ([]byte, error) {
	obj, err := NewObject(userID, lat, lon)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}
