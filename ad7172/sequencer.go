package ad7172

import (
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"tecpak/units"
)

// board constants for the sense network
const (
	// VRef is the ADC reference in V
	VRef = 3.3

	// RRef is the reference resistor of the thermistor divider in Ohm
	RRef = 10_000

	// stallTimeout is how long the ready line may stay deasserted before
	// the sequencer re-initialises the converter
	stallTimeout = 200 // ms
)

// Sample is one conversion, tagged and converted to engineering units.
type Sample struct {
	// Channel the converter's round-robin tagged in the status byte
	Channel int

	// Code is the raw 24-bit conversion
	Code uint32

	// Time is the monotonic millisecond timestamp taken at intake
	Time int64

	// Voltage at the SENS input
	Voltage units.Volts

	// Resistance of the thermistor, from the divider relation.
	// Zero when Saturated.
	Resistance units.Ohms

	// Saturated marks under/overrange codes; such samples carry no
	// usable temperature and the control loop holds its output
	Saturated bool
}

// Sequencer drains conversions from the ADC and converts them to samples.
// The event loop owns it.
type Sequencer struct {
	adc *ADC

	// Now returns monotonic milliseconds since boot
	Now func() int64

	lastReady int64
}

// NewSequencer wraps an initialized ADC.  now supplies monotonic
// milliseconds since boot.
func NewSequencer(adc *ADC, now func() int64) *Sequencer {
	return &Sequencer{adc: adc, Now: now, lastReady: now()}
}

// ADC exposes the underlying driver for configuration paths.
func (s *Sequencer) ADC() *ADC {
	return s.adc
}

// Poll checks the data-ready signal and, when a conversion is waiting,
// reads and converts it.  Returns nil when no conversion is available.
// A ready line silent for more than 200 ms triggers re-initialisation.
func (s *Sequencer) Poll() (*Sample, error) {
	ready, channel, err := s.adc.Ready()
	if err != nil {
		return nil, err
	}
	now := s.Now()
	if !ready {
		if now-s.lastReady > stallTimeout {
			log.Printf("ADC ready line silent for %d ms, re-initialising", now-s.lastReady)
			if err := s.reinit(); err != nil {
				return nil, err
			}
			s.lastReady = s.Now()
		}
		return nil, nil
	}
	s.lastReady = now

	code, err := s.adc.ReadData()
	if err != nil {
		return nil, err
	}
	sample := &Sample{
		Channel: channel,
		Code:    code,
		Time:    now,
	}
	if code == 0 || code >= FullScale {
		sample.Saturated = true
		return sample, nil
	}
	v := float64(code) / float64(FullScale) * VRef
	sample.Voltage = units.Volts(v)
	// thermistor and reference resistor form a divider from VRef
	sample.Resistance = units.Ohms(v * RRef / (VRef - v))
	return sample, nil
}

func (s *Sequencer) reinit() error {
	op := func() error {
		return s.adc.Init()
	}
	return backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     5 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         100 * time.Millisecond,
		MaxElapsedTime:      1 * time.Second,
		Clock:               backoff.SystemClock})
}
