// Package steinhart converts thermistor resistance to temperature using the
// beta form of the Steinhart-Hart model.
package steinhart

import (
	"errors"
	"math"

	"tecpak/units"
)

var (
	// ErrInvalidParam is returned when a parameter or input violates the
	// model's domain (non-positive resistance, zero beta, ...)
	ErrInvalidParam = errors.New("invalid Steinhart-Hart parameter")
)

// Parameters of the beta model for one thermistor.
//
// temperature = 1 / (1/T0 + ln(R/R0)/B)
type Parameters struct {
	// T0 is the base temperature
	T0 units.Kelvin

	// R0 is the thermistor resistance at T0
	R0 units.Ohms

	// B is the beta constant in K
	B float64
}

// Default parameters model a common 10 kOhm NTC bead.
func Default() Parameters {
	return Parameters{
		T0: units.C2K(25),
		R0: 10000,
		B:  3800,
	}
}

// Valid reports whether the parameters satisfy the model's domain.
func (p Parameters) Valid() bool {
	return p.T0 > 0 && p.R0 > 0 && p.B != 0
}

// Temperature converts a resistance to a temperature.
func (p Parameters) Temperature(r units.Ohms) (units.Kelvin, error) {
	if r <= 0 || !p.Valid() {
		return 0, ErrInvalidParam
	}
	inv := 1/float64(p.T0) + math.Log(float64(r)/float64(p.R0))/p.B
	return units.Kelvin(1 / inv), nil
}

// Resistance is the inverse of Temperature.  It is not needed by the control
// loop but makes self-tests and plant simulation possible.
func (p Parameters) Resistance(t units.Kelvin) (units.Ohms, error) {
	if t <= 0 || !p.Valid() {
		return 0, ErrInvalidParam
	}
	lnRatio := p.B * (1/float64(t) - 1/float64(p.T0))
	return units.Ohms(float64(p.R0) * math.Exp(lnRatio)), nil
}
