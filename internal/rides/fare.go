package rides

import (
	"math"

	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
)

// Rate is the tariff of one vehicle class.
type Rate struct {
	Base      float64
	PerKm     float64
	PerMinute float64
}

var DefaultRates = map[models.VehicleClass]Rate{
	models.VehicleAuto: {Base: 30, PerKm: 10, PerMinute: 2},
	models.VehicleCar:  {Base: 50, PerKm: 15, PerMinute: 3},
	models.VehicleMoto: {Base: 20, PerKm: 8, PerMinute: 1.5},
}

// Quote prices a route for every vehicle class in rates, rounded to whole units.
func Quote(r maps.Route, rates map[models.VehicleClass]Rate) models.FareQuote {
	km := r.DistanceMeters / 1000
	minutes := r.DurationSeconds / 60
	out := make(models.FareQuote, len(rates))
	for class, rate := range rates {
		out[class] = int64(math.Round(rate.Base + km*rate.PerKm + minutes*rate.PerMinute))
	}
	return out
}
