// Package channels holds the per-channel control state machines and the
// aggregate that owns the ADC, DACs and PWM limit outputs.  All methods are
// meant to be called from the event loop (or under its lock); nothing here
// is concurrent-safe on its own.
package channels

import (
	"golang.org/x/time/rate"

	"tecpak/ad5680"
	"tecpak/ad7172"
	"tecpak/max1968"
	"tecpak/pid"
	"tecpak/steinhart"
	"tecpak/units"
)

// Count is the number of TEC channels.
const Count = 2

// Mode is the control state of one channel.
type Mode int

// channel states
const (
	// Disabled drives no current; entered at boot and on hardware
	// programming faults
	Disabled Mode = iota

	// OpenLoop asserts the user's i_set directly
	OpenLoop

	// Closed feeds temperature samples through the PID controller
	Closed
)

func (m Mode) String() string {
	switch m {
	case OpenLoop:
		return "open-loop"
	case Closed:
		return "closed"
	default:
		return "disabled"
	}
}

// drift detection policy
const (
	driftThreshold = 0.05 // V
	driftWindow    = 10   // consecutive samples
)

// AuxADC reads the slow monitoring inputs: the bridge reference, the DAC
// loopback, and the TEC current/voltage monitors.
type AuxADC interface {
	VRef(ch int) (units.Volts, error)
	DacFeedback(ch int) (units.Volts, error)
	ITec(ch int) (units.Volts, error)
	TecU(ch int) (units.Volts, error)
}

// Channel is the state of one TEC control loop.
type Channel struct {
	Mode Mode

	// ISet is the open-loop set point (effective, after clamping)
	ISet units.Amperes

	PID        pid.Controller
	SH         steinhart.Parameters
	Output     *max1968.Output
	Postfilter ad7172.PostFilter

	// telemetry from the most recent tick
	LastSample  *ad7172.Sample
	Temperature units.Celsius
	EffectiveI  units.Amperes
	DacFeedback units.Volts
	ITec        units.Volts
	TecU        units.Volts
	Drift       bool
	LastError   string

	drift     ad5680.DriftDetector
	reassert  *rate.Limiter
	lastValid int64
	haveValid bool
}

// Channels aggregates both loops and the shared ADC sequencer.
type Channels struct {
	Seq *ad7172.Sequencer
	Aux AuxADC
	Ch  [Count]*Channel
}

// New assembles the aggregate.  Both channels boot Disabled with default
// model parameters and zeroed limits.
func New(seq *ad7172.Sequencer, aux AuxADC, outputs [Count]*max1968.Output) *Channels {
	cs := &Channels{Seq: seq, Aux: aux}
	for i := 0; i < Count; i++ {
		cs.Ch[i] = &Channel{
			PID:      pid.Controller{Parameters: pid.DefaultParameters()},
			SH:       steinhart.Default(),
			Output:   outputs[i],
			drift:    ad5680.DriftDetector{Threshold: driftThreshold, Window: driftWindow},
			reassert: rate.NewLimiter(rate.Limit(1), 1),
		}
	}
	return cs
}

// Tick runs one event-loop iteration of the control path: drain at most one
// ADC conversion, advance the owning channel, and periodically re-assert
// open-loop set points.  Returns the index of the channel that produced a
// fresh sample, or -1.
func (cs *Channels) Tick(now int64) (int, error) {
	updated := -1

	sample, err := cs.Seq.Poll()
	if err != nil {
		return updated, err
	}
	if sample != nil && sample.Channel >= 0 && sample.Channel < Count {
		cs.process(sample)
		updated = sample.Channel
	}

	for i, ch := range cs.Ch {
		if ch.Mode == OpenLoop && ch.reassert.Allow() {
			// periodic re-assert corrects any DAC drift
			if _, err := cs.SetISet(i, ch.ISet); err != nil {
				return updated, err
			}
		}
	}
	return updated, nil
}

func (cs *Channels) process(sample *ad7172.Sample) {
	ch := cs.Ch[sample.Channel]
	ch.LastSample = sample
	ch.LastError = ""

	if v, err := cs.Aux.VRef(sample.Channel); err == nil {
		ch.Output.VRef = v
	}

	if sample.Saturated {
		// hold the previous output, no integral update
		ch.LastError = "AdcSaturated"
		cs.readMonitors(sample.Channel)
		return
	}

	temp, err := ch.SH.Temperature(sample.Resistance)
	if err != nil {
		ch.LastError = "AdcSaturated"
		cs.readMonitors(sample.Channel)
		return
	}
	ch.Temperature = units.K2C(temp)

	var dt float64
	if ch.haveValid {
		// measured interval, cumulative across skipped samples
		dt = float64(sample.Time-ch.lastValid) / 1000
	}
	ch.lastValid = sample.Time
	ch.haveValid = true

	if ch.Mode == Closed {
		u := ch.PID.Update(float64(ch.Temperature), dt)
		eff, vdac, err := ch.Output.SetCurrent(units.Amperes(u))
		if err == nil {
			ch.EffectiveI = eff
			if fb, ferr := cs.Aux.DacFeedback(sample.Channel); ferr == nil {
				ch.DacFeedback = fb
				ch.Drift = ch.drift.Observe(vdac, fb)
			}
		}
	}
	cs.readMonitors(sample.Channel)
}

func (cs *Channels) readMonitors(channel int) {
	ch := cs.Ch[channel]
	if v, err := cs.Aux.ITec(channel); err == nil {
		ch.ITec = v
	}
	if v, err := cs.Aux.TecU(channel); err == nil {
		ch.TecU = v
	}
}

// SetISet switches a channel to open-loop operation at the given current.
// The PID integral is cleared so later closed-loop entry starts fresh.
// Returns the effective current after limit clamping.
func (cs *Channels) SetISet(channel int, i units.Amperes) (units.Amperes, error) {
	ch := cs.Ch[channel]
	eff, vdac, err := ch.Output.SetCurrent(i)
	if err != nil {
		ch.Mode = Disabled
		return 0, err
	}
	if ch.Mode != OpenLoop {
		ch.PID.Reset()
		ch.Mode = OpenLoop
	}
	ch.ISet = i
	ch.EffectiveI = eff
	if fb, ferr := cs.Aux.DacFeedback(channel); ferr == nil {
		ch.DacFeedback = fb
		ch.Drift = ch.drift.Observe(vdac, fb)
	}
	return eff, nil
}

// EngagePID switches a channel to closed-loop control.  The integral is
// reset on entry so prior open-loop operation does not bias the loop.
func (cs *Channels) EngagePID(channel int) {
	ch := cs.Ch[channel]
	if ch.Mode != Closed {
		ch.PID.Reset()
		ch.Mode = Closed
	}
}

// Disable stops drive on a channel.
func (cs *Channels) Disable(channel int) error {
	ch := cs.Ch[channel]
	ch.Mode = Disabled
	_, _, err := ch.Output.SetCurrent(0)
	return err
}

// SetCenter updates the centerpoint.  Outside closed-loop control the last
// current is re-asserted immediately through the new reference.
func (cs *Channels) SetCenter(channel int, center max1968.CenterPoint) error {
	ch := cs.Ch[channel]
	ch.Output.Center = center
	if ch.Mode == OpenLoop {
		_, _, err := ch.Output.SetCurrent(ch.ISet)
		return err
	}
	return nil
}

// SetLimit programs one of the three PWM limits from engineering units.
// A validation failure mutates nothing; a hardware programming failure
// disables the channel, as the limit state is then unknown.
func (cs *Channels) SetLimit(channel int, pin max1968.LimitPin, value float64) error {
	ch := cs.Ch[channel]
	var err error
	switch pin {
	case max1968.PinMaxV:
		err = ch.Output.SetMaxV(value)
	case max1968.PinMaxIPos:
		err = ch.Output.SetMaxIPos(value)
	case max1968.PinMaxINeg:
		err = ch.Output.SetMaxINeg(value)
	}
	if err != nil && err != max1968.ErrLimit {
		ch.Mode = Disabled
	}
	return err
}

// SetPostFilter programs the ADC postfilter for one channel and records the
// setting for persistence.
func (cs *Channels) SetPostFilter(channel int, p ad7172.PostFilter) error {
	if err := cs.Seq.ADC().SetPostFilter(channel, p); err != nil {
		return err
	}
	cs.Ch[channel].Postfilter = p
	return nil
}

// AbsMaxTecI is the larger commanded current magnitude across both
// channels, which couples into the fan curve.
func (cs *Channels) AbsMaxTecI() float64 {
	var max float64
	for _, ch := range cs.Ch {
		i := float64(ch.EffectiveI)
		if i < 0 {
			i = -i
		}
		if i > max {
			max = i
		}
	}
	return max
}
