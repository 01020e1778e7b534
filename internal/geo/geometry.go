// Package geo holds the pure geometry used by the location pipeline:
// coordinate validation, great-circle distance, bounding boxes and the
// geohash codec. Nothing here does I/O.
package geo

import (
	"fmt"
	"math"

	"github.com/example/driver-dispatch/internal/models"
)

const (
	EarthRadiusKm = 6371.0
	// kmPerDegree is the length of one degree of latitude, used for the
	// coarse bounding box filter.
	kmPerDegree = 111.0
)

// BoundingBox is an axis-aligned lat/lon box. MinLon > MaxLon means the box
// crosses the antimeridian and covers [MinLon,180] plus [-180,MaxLon].
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

func (b BoundingBox) Contains(lat, lon float64) bool {
	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	if b.CrossesAntimeridian() {
		return lon >= b.MinLon || lon <= b.MaxLon
	}
	return lon >= b.MinLon && lon <= b.MaxLon
}

func (b BoundingBox) CrossesAntimeridian() bool { return b.MinLon > b.MaxLon }

// ValidateCoordinates rejects NaN, infinities and out-of-range values.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90,90]", models.ErrInvalidInput, lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180,180]", models.ErrInvalidInput, lon)
	}
	return nil
}

func ValidateRadius(radiusKm float64) error {
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm <= 0 {
		return fmt.Errorf("%w: radius must be > 0, got %v", models.ErrInvalidInput, radiusKm)
	}
	return nil
}

// Haversine distance in kilometres. Callers must have validated the inputs.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// DistanceKm validates both points and returns the great-circle distance.
func DistanceKm(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if err := ValidateCoordinates(lat1, lon1); err != nil {
		return 0, err
	}
	if err := ValidateCoordinates(lat2, lon2); err != nil {
		return 0, err
	}
	return Haversine(lat1, lon1, lat2, lon2), nil
}

func IsWithinRadius(lat1, lon1, lat2, lon2, radiusKm float64) (bool, error) {
	if err := ValidateRadius(radiusKm); err != nil {
		return false, err
	}
	d, err := DistanceKm(lat1, lon1, lat2, lon2)
	if err != nil {
		return false, err
	}
	return d <= radiusKm, nil
}

// BoundingBoxFor returns a box that contains every point within radiusKm of
// (lat, lon). It over-includes near the corners; callers filter by exact
// distance afterwards. Longitudes wrap, so a box near ±180 crosses the
// antimeridian.
func BoundingBoxFor(lat, lon, radiusKm float64) (BoundingBox, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return BoundingBox{}, err
	}
	if err := ValidateRadius(radiusKm); err != nil {
		return BoundingBox{}, err
	}
	latDelta := radiusKm / kmPerDegree
	lonDelta := 180.0
	// cos(lat) tends to zero at the poles, where the box spans every longitude.
	if c := math.Cos(lat * math.Pi / 180); c > 1e-9 {
		lonDelta = math.Min(radiusKm/(kmPerDegree*c), 180.0)
	}
	b := BoundingBox{
		MinLat: math.Max(lat-latDelta, -90),
		MaxLat: math.Min(lat+latDelta, 90),
		MinLon: -180,
		MaxLon: 180,
	}
	if lonDelta < 180 {
		b.MinLon, b.MaxLon = wrapLon(lon-lonDelta), wrapLon(lon+lonDelta)
	}
	return b, nil
}

func wrapLon(lon float64) float64 {
	switch {
	case lon < -180:
		return lon + 360
	case lon > 180:
		return lon - 360
	}
	return lon
}

// PrecisionForRadius maps a search radius to a geohash prefix length. Shorter
// prefixes cover more ground; the step values trade a few false negatives in
// the prefix query for a cheap index scan.
func PrecisionForRadius(radiusKm float64) int {
	switch {
	case radiusKm <= 0.61:
		return 7
	case radiusKm <= 2.4:
		return 6
	case radiusKm <= 20:
		return 5
	case radiusKm <= 78:
		return 4
	case radiusKm <= 630:
		return 3
	default:
		return 2
	}
}
