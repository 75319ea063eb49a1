// Package geo holds the small amount of spherical geometry rewardd needs:
// great-circle distance, bounding boxes and the vicinity grid used for
// transactional locking.
package geo

import (
	"fmt"
	"math"
	"sort"
)

const (
	// EarthRadiusMeters is the mean Earth radius (IUGG).
	EarthRadiusMeters = 6371008.8
	// MetersPerDegreeLat is the length of one degree of latitude on the
	// sphere Distance measures on.
	MetersPerDegreeLat = EarthRadiusMeters * math.Pi / 180
	// MaxLatitude bounds accepted latitudes so longitude spans stay finite.
	MaxLatitude = 85.0
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Valid reports whether the point is finite and inside the supported range.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -MaxLatitude && p.Lat <= MaxLatitude && p.Lng >= -180 && p.Lng <= 180
}

func (p Point) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.Lat, p.Lng)
}

// Distance returns the haversine great-circle distance between a and b in metres.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Box is an axis-aligned bounding box in degrees. Longitudes are not wrapped;
// callers near the antimeridian receive a box extending past ±180.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// boxMargin widens bounding boxes past radius so rounding in the degree
// conversion never excludes a point at exactly radius.
const boxMargin = 1.01

// BoundingBox returns a box that contains every point within radius metres of p.
func BoundingBox(p Point, radius float64) Box {
	padded := radius*boxMargin + 0.01
	dLat := degrees(padded / EarthRadiusMeters)
	cos := math.Cos(radians(math.Min(math.Abs(p.Lat)+dLat, 89.9)))
	dLng := dLat / cos
	return Box{
		MinLat: p.Lat - dLat,
		MaxLat: p.Lat + dLat,
		MinLng: p.Lng - dLng,
		MaxLng: p.Lng + dLng,
	}
}

// CellKeys returns the sorted vicinity grid cells overlapping the bounding box
// of radius around p for the given category. A facility within radius of two
// submissions lies inside both boxes, so the cell holding it is in both key
// sets.
func CellKeys(category string, p Point, radius float64) []string {
	edge := cellEdge(radius)
	box := BoundingBox(p, radius)
	minRow := int64(math.Floor(box.MinLat / edge))
	maxRow := int64(math.Floor(box.MaxLat / edge))
	minCol := int64(math.Floor(box.MinLng / edge))
	maxCol := int64(math.Floor(box.MaxLng / edge))

	keys := make([]string, 0, int((maxRow-minRow+1)*(maxCol-minCol+1)))
	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			keys = append(keys, cellKey(category, row, col))
		}
	}
	sort.Strings(keys)
	return keys
}

// CellOf returns the grid cell holding p for the given radius.
func CellOf(category string, p Point, radius float64) string {
	edge := cellEdge(radius)
	return cellKey(category, int64(math.Floor(p.Lat/edge)), int64(math.Floor(p.Lng/edge)))
}

// cellEdge is 2*radius expressed in latitude degrees, used on both axes.
func cellEdge(radius float64) float64 {
	edge := degrees(2 * radius / EarthRadiusMeters)
	if edge <= 0 {
		edge = 1e-5
	}
	return edge
}

func cellKey(category string, row, col int64) string {
	return fmt.Sprintf("%s:%d:%d", category, row, col)
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
