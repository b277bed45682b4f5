package geo

import (
	"errors"
	"math"

	"github.com/OCAP2/locsync/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Marker coordinates are kept in EPSG:4326 (lat/lon degrees). Map consumers that
// draw on a web map get an EPSG:3857 projection alongside.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// web mercator is undefined at the poles
const maxMercatorLatitude = 85.05112878

// Validate checks that lat/lon are finite and inside WGS84 bounds.
func Validate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return ErrInvalidCoordinates
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// XY returns c as a planar XY with X=longitude, Y=latitude.
func XY(c core.Coordinate) geom.XY {
	return geom.XY{X: c.Longitude, Y: c.Latitude}
}

// Mercator returns the EPSG:3857 x/y of a coordinate. Latitudes beyond the
// projection's band are clamped.
func Mercator(c core.Coordinate) (x, y float64, err error) {
	if err := Validate(c.Latitude, c.Longitude); err != nil {
		return 0, 0, err
	}
	lat := math.Max(-maxMercatorLatitude, math.Min(maxMercatorLatitude, c.Latitude))

	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ = f(c.Longitude, lat, 0)
	return x, y, nil
}

// Region is the initial map viewport: a centre and a span in degrees.
type Region struct {
	Center core.Coordinate `json:"center"`
	Span   float64         `json:"span"`
}

// NewRegion builds a region centred on lat/lon with the given span.
func NewRegion(lat, lon, span float64) (Region, error) {
	if err := Validate(lat, lon); err != nil {
		return Region{}, err
	}
	if span <= 0 || math.IsNaN(span) || span > 180 {
		return Region{}, ErrInvalidCoordinates
	}
	return Region{Center: core.Coordinate{Latitude: lat, Longitude: lon}, Span: span}, nil
}

// Box is an axis aligned lat/lon bounding box.
type Box struct {
	Min core.Coordinate `json:"min"`
	Max core.Coordinate `json:"max"`
}

// Envelope returns the box as a planar envelope.
func (b Box) Envelope() geom.Envelope {
	env, err := geom.NewEnvelope([]geom.XY{XY(b.Min), XY(b.Max)})
	if err != nil {
		return geom.Envelope{}
	}
	return env
}

// Contains reports whether c falls inside the box, edges included.
func (b Box) Contains(c core.Coordinate) bool {
	return b.Envelope().Contains(XY(c))
}

// BoxOf converts a non-empty envelope back to a lat/lon box.
func BoxOf(env geom.Envelope) (Box, bool) {
	lo, hi, ok := env.MinMaxXYs()
	if !ok {
		return Box{}, false
	}
	return Box{
		Min: core.Coordinate{Latitude: lo.Y, Longitude: lo.X},
		Max: core.Coordinate{Latitude: hi.Y, Longitude: hi.X},
	}, true
}

// Envelope returns the envelope covered by the region.
func (r Region) Envelope() geom.Envelope {
	half := r.Span / 2
	return Box{
		Min: core.Coordinate{Latitude: r.Center.Latitude - half, Longitude: r.Center.Longitude - half},
		Max: core.Coordinate{Latitude: r.Center.Latitude + half, Longitude: r.Center.Longitude + half},
	}.Envelope()
}

// Box returns the bounding box of the region.
func (r Region) Box() Box {
	box, _ := BoxOf(r.Envelope())
	return box
}

// Contains reports whether c falls inside the region.
func (r Region) Contains(c core.Coordinate) bool {
	return r.Envelope().Contains(XY(c))
}

// Bounds returns the bounding box of a set of markers. ok is false for an
// empty set. Non-finite coordinates are left out.
func Bounds(markers []core.MarkerEntity) (box Box, ok bool) {
	var env geom.Envelope
	for _, m := range markers {
		next, err := env.ExtendToIncludeXY(XY(m.Coordinate))
		if err != nil {
			continue
		}
		env = next
	}
	return BoxOf(env)
}
