package parser

// GeoPoint is the stored representation of a location attribute.
type GeoPoint struct {
	Type string   `json:"_type,omitempty" dynamodbav:"_type,omitempty"`
	Lat  *float64 `json:"lat" dynamodbav:"lat"`
	Lon  *float64 `json:"lon" dynamodbav:"lon"`
}

// Object is a raw location record as held in a group bucket.
// Pointer fields distinguish a missing attribute from a zero value.
type Object struct {
	ID       string    `json:"_id,omitempty" dynamodbav:"object_id,omitempty"`
	UserID   *string   `json:"userID" dynamodbav:"userID"`
	Location *GeoPoint `json:"location" dynamodbav:"location"`
	// Modified is milliseconds since the unix epoch, 0 when unknown
	Modified int64 `json:"_modified,omitempty" dynamodbav:"_modified,omitempty"`
}

const geoPointType = "point"
