package sink

import (
	"fmt"

	"github.com/OCAP2/locsync/internal/geo"
	"github.com/OCAP2/locsync/pkg/core"
	"github.com/OCAP2/locsync/pkg/streaming"
)

// Project adds the web-mercator position to every marker. A marker without a
// member id or with an out of range coordinate fails with core.ErrInvalidMarker.
func Project(markers []core.MarkerEntity) ([]streaming.Marker, error) {
	out := make([]streaming.Marker, 0, len(markers))
	for _, m := range markers {
		if m.MemberID == "" {
			return nil, fmt.Errorf("%w: empty member id", core.ErrInvalidMarker)
		}
		x, y, err := geo.Mercator(m.Coordinate)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidMarker, m.MemberID, err)
		}
		out = append(out, streaming.Marker{MarkerEntity: m, X: x, Y: y})
	}
	return out, nil
}
