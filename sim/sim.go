// Package sim provides a software model of the controller board: the
// AD7172 and AD5680 SPI endpoints, the slow monitoring ADC, the PWM blocks,
// a simple thermal plant, and an in-memory flash region.  It backs the unit
// tests and lets the daemon run on a workstation without hardware.
package sim

import (
	"errors"
	"sync"

	"tecpak/ad7172"
	"tecpak/max1968"
	"tecpak/steinhart"
	"tecpak/units"
)

// Clock is a manually-advanced monotonic millisecond clock.
type Clock struct {
	mu sync.Mutex
	ms int64
}

// Now returns milliseconds since boot.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

// Advance moves time forward.
func (c *Clock) Advance(ms int64) {
	c.mu.Lock()
	c.ms += ms
	c.mu.Unlock()
}

// Plant is a first-order thermal model of both TEC-coupled loads.
type Plant struct {
	// SH is the true thermistor model used to synthesize sense voltages
	SH steinhart.Parameters

	// Ambient is the environment temperature
	Ambient units.Celsius

	// T is the object temperature per channel
	T [2]units.Celsius

	// I is the applied TEC current per channel; positive heats
	I [2]float64

	// HeatPerAmp is the temperature slew in K/s per ampere
	HeatPerAmp float64

	// Tau is the relaxation time constant toward ambient in s
	Tau float64
}

// NewPlant returns a plant at equilibrium with its environment.
func NewPlant(ambient units.Celsius) *Plant {
	return &Plant{
		SH:         steinhart.Parameters{T0: units.C2K(25), R0: 10000, B: 3988},
		Ambient:    ambient,
		T:          [2]units.Celsius{ambient, ambient},
		HeatPerAmp: 2.0,
		Tau:        10.0,
	}
}

// Step advances the thermal state by dt milliseconds.
func (p *Plant) Step(dtMs int64) {
	dt := float64(dtMs) / 1000
	for i := range p.T {
		t := float64(p.T[i])
		t += dt * (-(t-float64(p.Ambient))/p.Tau + p.HeatPerAmp*p.I[i])
		p.T[i] = units.Celsius(t)
	}
}

// SenseVoltage synthesizes the thermistor divider voltage seen by the ADC.
func (p *Plant) SenseVoltage(ch int) float64 {
	r, err := p.SH.Resistance(units.C2K(p.T[ch]))
	if err != nil {
		return 0
	}
	return ad7172.VRef * float64(r) / (float64(r) + ad7172.RRef)
}

// DACBus models one AD5680: it latches 18-bit frames and exposes the
// resulting output voltage.
type DACBus struct {
	code uint32
}

// Transfer latches one 24-bit frame.
func (d *DACBus) Transfer(tx []byte) ([]byte, error) {
	if len(tx) == 3 {
		v := uint32(tx[0])<<16 | uint32(tx[1])<<8 | uint32(tx[2])
		d.code = (v >> 2) & 0x3FFFF
	}
	return make([]byte, len(tx)), nil
}

// Voltage is the modeled analog output.
func (d *DACBus) Voltage() units.Volts {
	return units.Volts(float64(d.code) / 0x3FFFF * 5.0)
}

// Board ties the models together.
type Board struct {
	Clock *Clock
	Plant *Plant
	ADC   *ADCBus
	DAC   [2]*DACBus
	PWM   [2]*PWMBlock
	Fan   *FanPWM

	// FeedbackOffset shifts the DAC loopback reading to exercise the
	// drift detector
	FeedbackOffset [2]float64
}

// NewBoard builds a board at thermal equilibrium with the given ambient.
func NewBoard(ambient units.Celsius) *Board {
	b := &Board{
		Clock: &Clock{},
		Plant: NewPlant(ambient),
		DAC:   [2]*DACBus{{}, {}},
		PWM:   [2]*PWMBlock{{}, {}},
		Fan:   &FanPWM{},
	}
	b.ADC = NewADCBus(b.Clock, b.Plant)
	return b
}

// Advance steps the clock and physics: the bridge applies the DAC-derived
// current (within the PWM limits) and the plant integrates it.
func (b *Board) Advance(ms int64) {
	for ch := 0; ch < 2; ch++ {
		v := float64(b.DAC[ch].Voltage())
		i := (v - max1968.VRefNominal) / max1968.KI
		lim := b.PWM[ch]
		if max := lim.Duty(max1968.PinMaxIPos) * max1968.MaxTecI; i > max {
			i = max
		}
		if max := lim.Duty(max1968.PinMaxINeg) * max1968.MaxTecI; i < -max {
			i = -max
		}
		b.Plant.I[ch] = i
	}
	b.Clock.Advance(ms)
	b.Plant.Step(ms)
}

// VRef implements channels.AuxADC.
func (b *Board) VRef(ch int) (units.Volts, error) {
	return max1968.VRefNominal, nil
}

// DacFeedback implements channels.AuxADC.
func (b *Board) DacFeedback(ch int) (units.Volts, error) {
	return b.DAC[ch].Voltage() + units.Volts(b.FeedbackOffset[ch]), nil
}

// ITec implements channels.AuxADC.
func (b *Board) ITec(ch int) (units.Volts, error) {
	return units.Volts(max1968.VRefNominal + b.Plant.I[ch]*max1968.ITecGain), nil
}

// TecU implements channels.AuxADC.
func (b *Board) TecU(ch int) (units.Volts, error) {
	// a Peltier pair looks roughly resistive
	return units.Volts(b.Plant.I[ch] * 1.9), nil
}

// PWMBlock models the three limit outputs of one channel.
type PWMBlock struct {
	duties [3]float64
}

// SetDuty implements max1968.PWM.
func (p *PWMBlock) SetDuty(pin max1968.LimitPin, duty float64) error {
	if duty < 0 || duty > 1 {
		return errors.New("duty outside [0, 1]")
	}
	p.duties[pin] = duty
	return nil
}

// Duty reads a programmed duty back.
func (p *PWMBlock) Duty(pin max1968.LimitPin) float64 {
	return p.duties[pin]
}

// FanPWM models the fan output.
type FanPWM struct {
	duty float64
}

// SetDuty implements fanctrl.PWM.
func (f *FanPWM) SetDuty(d float64) error {
	if d < 0 || d > 1 {
		return errors.New("duty outside [0, 1]")
	}
	f.duty = d
	return nil
}

// Duty implements fanctrl.PWM.
func (f *FanPWM) Duty() float64 {
	return f.duty
}
