// Package fare estimates a trip price when trip management did not send one.
package fare

import (
	"math"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// urbanSpeedKmH is the average speed assumed for the time component.
const urbanSpeedKmH = 30.0

type Calculator struct {
	BaseFare      float64
	PerKmRate     float64
	PerMinuteRate float64
	MinimumFare   float64
}

func DefaultCalculator() Calculator {
	return Calculator{BaseFare: 2.5, PerKmRate: 1.2, PerMinuteRate: 0.25, MinimumFare: 5}
}

type Estimate struct {
	DistanceKm   float64 `json:"distance_km"`
	DurationMins float64 `json:"duration_mins"`
	Total        float64 `json:"total"`
}

// ForTrip prices the straight-line pickup to destination distance. A
// non-positive distanceKm is replaced by the Haversine distance.
func (c Calculator) ForTrip(pickup, destination models.Coord, distanceKm float64) Estimate {
	if distanceKm <= 0 {
		distanceKm = geo.Haversine(pickup.Lat, pickup.Lon, destination.Lat, destination.Lon)
	}
	mins := distanceKm / urbanSpeedKmH * 60
	total := c.BaseFare + distanceKm*c.PerKmRate + mins*c.PerMinuteRate
	if total < c.MinimumFare {
		total = c.MinimumFare
	}
	return Estimate{
		DistanceKm:   round2(distanceKm),
		DurationMins: round2(mins),
		Total:        round2(total),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
