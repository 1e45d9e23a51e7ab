// Package ad5680 drives the 18-bit DAC that programs each channel's TEC
// current set point, and watches the DAC's analog feedback for drift.
package ad5680

import (
	"tecpak/units"
	"tecpak/util"
)

// Bus is the SPI connection to the DAC with SYNC asserted for the duration
// of one Transfer.
type Bus interface {
	Transfer(tx []byte) ([]byte, error)
}

const (
	// MaxCode is the all-ones 18-bit input code
	MaxCode = 0x3FFFF

	// VFull is the output at MaxCode, set by the 5 V reference
	VFull = 5.0
)

// DAC is one channel's set point converter.
type DAC struct {
	bus  Bus
	last uint32
}

// New returns a driver and zeroes the output.
func New(bus Bus) (*DAC, error) {
	d := &DAC{bus: bus}
	if err := d.Set(0); err != nil {
		return nil, err
	}
	return d, nil
}

// Set writes a raw 18-bit code.  The AD5680 shifts the code up two bits in
// its 24-bit frame.
func (d *DAC) Set(value uint32) error {
	if value > MaxCode {
		value = MaxCode
	}
	buf := []byte{
		byte(value >> 14),
		byte(value >> 6),
		byte(value << 2),
	}
	if _, err := d.bus.Transfer(buf); err != nil {
		return err
	}
	d.last = value
	return nil
}

// SetVoltage programs the closest representable output voltage and returns
// the value actually set after clamping and quantization.
func (d *DAC) SetVoltage(v units.Volts) (units.Volts, error) {
	clamped := util.Clamp(float64(v), 0, VFull)
	code := uint32(clamped/VFull*MaxCode + 0.5)
	if err := d.Set(code); err != nil {
		return 0, err
	}
	return d.Voltage(), nil
}

// Voltage returns the nominal output for the last written code.
func (d *DAC) Voltage() units.Volts {
	return units.Volts(float64(d.last) / MaxCode * VFull)
}

// DriftDetector flags a persistent disagreement between the written DAC
// voltage and the loopback measurement.  A single outlier is expected noise;
// only Window consecutive deltas beyond Threshold raise the flag.
type DriftDetector struct {
	// Threshold is the tolerated |written - feedback| in V
	Threshold units.Volts

	// Window is the number of consecutive exceedances that count as drift
	Window int

	run int
}

// Observe records one write/feedback pair and reports whether drift is
// currently indicated.
func (dd *DriftDetector) Observe(written, feedback units.Volts) bool {
	delta := float64(written - feedback)
	if delta < 0 {
		delta = -delta
	}
	if delta > float64(dd.Threshold) {
		dd.run++
	} else {
		dd.run = 0
	}
	return dd.run >= dd.Window
}
