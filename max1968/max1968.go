// Package max1968 models one channel's H-bridge output stage: the current
// set point written through the AD5680 DAC, the centerpoint that maps DAC
// volts to TEC amps, and the three PWM-programmed limits.
package max1968

import (
	"errors"

	"tecpak/ad5680"
	"tecpak/units"
	"tecpak/util"
)

// board constants, from the schematics
const (
	// VRefNominal is the bridge's 1.5 V reference
	VRefNominal = 1.5

	// RSense is the current sense resistor in Ohm
	RSense = 0.05

	// KI converts set current to CTLI volts: V = Vcenter + I * KI
	KI = 10 * RSense

	// ITecGain converts TEC current to ITEC monitor volts about Vcenter
	ITecGain = 8 * RSense

	// MaxTecI is the largest programmable current magnitude in A
	MaxTecI = 3.0

	// MaxTecV is the largest programmable voltage limit in V
	MaxTecV = 5.0

	// CTLI linear range in V
	ctliMin = 0.0
	ctliMax = 3.0
)

// ErrLimit is returned when a limit set point falls outside the bridge's
// safe operating area.
var ErrLimit = errors.New("limit outside safe operating range")

// LimitPin selects one of the three PWM limit outputs.
type LimitPin int

// the three limit pins
const (
	PinMaxV LimitPin = iota
	PinMaxIPos
	PinMaxINeg
)

// PWM programs the duty cycle of a limit pin.  Duty is always within [0, 1].
type PWM interface {
	SetDuty(pin LimitPin, duty float64) error
}

// CenterPoint defines the DAC voltage commanding 0 A of TEC current.
type CenterPoint struct {
	// UseVref selects the hardware 1.5 V reference
	UseVref bool

	// Fixed is the user override when UseVref is false
	Fixed units.Volts
}

// VrefCenterPoint returns the default hardware-reference centerpoint.
func VrefCenterPoint() CenterPoint {
	return CenterPoint{UseVref: true}
}

// Output is the programmable state of one bridge.
type Output struct {
	dac *ad5680.DAC
	pwm PWM

	// Center selects the zero-current DAC voltage
	Center CenterPoint

	// VRef is the last measured hardware reference
	VRef units.Volts

	// limits in engineering units; current limits are magnitudes
	MaxV    float64
	MaxIPos float64
	MaxINeg float64
}

// NewOutput wires a DAC and PWM block into an output stage with all limits
// at zero (bridge effectively disabled until configured).
func NewOutput(dac *ad5680.DAC, pwm PWM) *Output {
	return &Output{
		dac:    dac,
		pwm:    pwm,
		Center: VrefCenterPoint(),
		VRef:   VRefNominal,
	}
}

// CenterVoltage resolves the active centerpoint.
func (o *Output) CenterVoltage() units.Volts {
	if o.Center.UseVref {
		return o.VRef
	}
	return o.Center.Fixed
}

// SetCurrent clamps the requested current to the programmed limits and the
// bridge's linear range, writes the DAC, and returns the effective current
// after clamping and DAC quantization.
func (o *Output) SetCurrent(i units.Amperes) (units.Amperes, units.Volts, error) {
	lo := -util.Clamp(o.MaxINeg, 0, MaxTecI)
	hi := util.Clamp(o.MaxIPos, 0, MaxTecI)
	clamped := util.Clamp(float64(i), lo, hi)

	center := float64(o.CenterVoltage())
	v := util.Clamp(center+clamped*KI, ctliMin, ctliMax)
	actual, err := o.dac.SetVoltage(units.Volts(v))
	if err != nil {
		return 0, 0, err
	}
	effective := (float64(actual) - center) / KI
	return units.Amperes(effective), actual, nil
}

// MaxISet is the largest positive current the DAC can command with the
// current centerpoint, before limit clamping.
func (o *Output) MaxISet() units.Amperes {
	return units.Amperes((ctliMax - float64(o.CenterVoltage())) / KI)
}

// SetMaxV programs the voltage limit pin.  v is in volts.
func (o *Output) SetMaxV(v float64) error {
	if v < 0 || v > MaxTecV {
		return ErrLimit
	}
	if err := o.pwm.SetDuty(PinMaxV, v/MaxTecV); err != nil {
		return err
	}
	o.MaxV = v
	return nil
}

// SetMaxIPos programs the positive current limit pin.  i is a magnitude in A.
func (o *Output) SetMaxIPos(i float64) error {
	if i < 0 || i > MaxTecI {
		return ErrLimit
	}
	if err := o.pwm.SetDuty(PinMaxIPos, i/MaxTecI); err != nil {
		return err
	}
	o.MaxIPos = i
	return nil
}

// SetMaxINeg programs the negative current limit pin.  i is a magnitude in A.
func (o *Output) SetMaxINeg(i float64) error {
	if i < 0 || i > MaxTecI {
		return ErrLimit
	}
	if err := o.pwm.SetDuty(PinMaxINeg, i/MaxTecI); err != nil {
		return err
	}
	o.MaxINeg = i
	return nil
}

// CurrentFromITec converts an ITEC monitor voltage to amperes.
func (o *Output) CurrentFromITec(v units.Volts) units.Amperes {
	return units.Amperes((float64(v) - float64(o.CenterVoltage())) / ITecGain)
}

// DacVoltage returns the last voltage written to the DAC.
func (o *Output) DacVoltage() units.Volts {
	return o.dac.Voltage()
}
