package fare

import (
	"math"

	"github.com/example/ride-hailing/internal/models"
)

// Rates holds the per-class tariff. Amounts are in Currency units.
type Rates struct {
	Currency string
	Minimum  float64
	PerKm    map[models.RideClass]float64
}

func DefaultRates() Rates {
	return Rates{
		Currency: "USD",
		Minimum:  5.0,
		PerKm: map[models.RideClass]float64{
			models.ClassEconomy: 2.0,
			models.ClassPremium: 3.0,
			models.ClassLuxury:  4.0,
		},
	}
}

// Estimator computes fares. It holds no mutable state and is safe for
// concurrent use.
type Estimator struct {
	rates Rates
}

func NewEstimator(r Rates) *Estimator {
	if r.Currency == "" {
		r.Currency = "USD"
	}
	rates := make(map[models.RideClass]float64, len(r.PerKm))
	for k, v := range r.PerKm {
		rates[k] = v
	}
	r.PerKm = rates
	return &Estimator{rates: r}
}

// Estimate returns max(minimum, perKm[class] * km * surge) rounded to cents.
// Duration only has to be positive; it is not priced.
func (e *Estimator) Estimate(class models.RideClass, distanceMeters, durationSeconds, surge float64) (models.Money, error) {
	if !class.Valid() {
		return models.Money{}, models.Invalid("rideClass", "unknown ride class %q", class)
	}
	perKm, ok := e.rates.PerKm[class]
	if !ok {
		return models.Money{}, models.Invalid("rideClass", "no rate configured for %q", class)
	}
	if !finitePositive(distanceMeters) {
		return models.Money{}, models.Invalid("distance", "must be positive")
	}
	if !finitePositive(durationSeconds) {
		return models.Money{}, models.Invalid("duration", "must be positive")
	}
	if math.IsNaN(surge) || math.IsInf(surge, 0) || surge < 1 {
		return models.Money{}, models.Invalid("surge", "must be >= 1")
	}

	amount := perKm * (distanceMeters / 1000) * surge
	if amount < e.rates.Minimum {
		amount = e.rates.Minimum
	}
	return models.Money{Amount: Round2(amount), Currency: e.rates.Currency}, nil
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
