// Package pid implements the discrete PID controller closing each TEC
// temperature loop.
//
// The derivative acts on the measurement rather than the error so that
// setpoint changes do not kick the output.  The integrator is bounded by
// IntegralMin/IntegralMax and additionally stops accumulating while the
// output clamp is engaged (conditional integration).
package pid

import "tecpak/util"

// Parameters hold the user-settable controller configuration.
type Parameters struct {
	Kp float64
	Ki float64
	Kd float64

	// Target is the temperature setpoint in degrees Celsius
	Target float64

	// OutputMin and OutputMax bound the output current in A
	OutputMin float64
	OutputMax float64

	// IntegralMin and IntegralMax bound the integral accumulator
	IntegralMin float64
	IntegralMax float64
}

// DefaultParameters returns the power-on controller configuration.
func DefaultParameters() Parameters {
	return Parameters{
		Kp:          0.0,
		Ki:          0.0,
		Kd:          0.0,
		OutputMin:   -2.0,
		OutputMax:   2.0,
		IntegralMin: -10.0,
		IntegralMax: 10.0,
	}
}

// Controller is one channel's PID state.  Not safe for concurrent use; the
// event loop owns it.
type Controller struct {
	Parameters Parameters

	integral   float64
	lastInput  float64
	haveInput  bool
	lastOutput float64
	haveOutput bool
}

// Update advances the controller by one sample.  y is the measured
// temperature in degrees Celsius, dt the measured interval since the last
// valid sample of this channel in seconds.  The return value is the output
// current in A, clamped to [OutputMin, OutputMax].
func (c *Controller) Update(y, dt float64) float64 {
	p := c.Parameters

	e := p.Target - y

	step := p.Ki * e * dt
	cand := c.integral + step
	integral := util.Clamp(cand, p.IntegralMin, p.IntegralMax)

	var d float64
	if c.haveInput && dt > 0 {
		// derivative on measurement, not error
		d = -p.Kd * (y - c.lastInput) / dt
	}

	raw := p.Kp*e + integral + d
	u := util.Clamp(raw, p.OutputMin, p.OutputMax)
	if u != raw && cand > p.IntegralMin && cand < p.IntegralMax {
		// The output clamp engaged while the integral bound did not
		// limit this step: undo the integration so the accumulator
		// cannot wind up behind a saturated output.  When the integral
		// bound itself limited the step, the bound value stands; it is
		// the user's hard windup limit.
		integral = util.Clamp(cand-step, p.IntegralMin, p.IntegralMax)
	}

	c.integral = integral
	c.lastInput = y
	c.haveInput = true
	c.lastOutput = u
	c.haveOutput = true
	return u
}

// Reset clears the accumulated state.  Invoked on every loop-mode
// transition so that prior operation cannot bias the fresh loop.
func (c *Controller) Reset() {
	c.integral = 0
	c.haveInput = false
	c.haveOutput = false
}

// Integral exposes the accumulator for telemetry.
func (c *Controller) Integral() float64 {
	return c.integral
}

// LastOutput returns the most recent output and whether one exists.
func (c *Controller) LastOutput() (float64, bool) {
	return c.lastOutput, c.haveOutput
}

// ClampIntegral re-applies the integral bounds.  Called after parameter
// edits so the accumulator invariant survives a tightened bound.
func (c *Controller) ClampIntegral() {
	c.integral = util.Clamp(c.integral, c.Parameters.IntegralMin, c.Parameters.IntegralMax)
}
