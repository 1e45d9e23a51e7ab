// Package fanctrl evaluates the cooling fan curve on boards that carry a
// fan header, coupling fan power to the TEC load.
package fanctrl

import (
	"errors"
	"log"

	"tecpak/hwrev"
	"tecpak/max1968"
	"tecpak/util"
)

// user-facing manual power range
const (
	MinUserPower = 1
	MaxUserPower = 100
)

// ErrPower is returned for manual powers outside 1..100.
var ErrPower = errors.New("fan power outside 1..100")

// PWM drives the fan output.
type PWM interface {
	SetDuty(duty float64) error
	Duty() float64
}

// Controller owns the fan output and its curve.
type Controller struct {
	pwm      PWM
	settings hwrev.Settings

	auto    bool
	a, b, c float64

	absMaxTecI float64
}

// New builds a controller from the board's settings.  pwm may be nil on
// boards without a fan.  Auto mode follows the revision's recommendation.
func New(pwm PWM, settings hwrev.Settings) *Controller {
	f := &Controller{
		pwm:      pwm,
		settings: settings,
		auto:     settings.FanPWMRecommended,
		a:        settings.FanKA,
		b:        settings.FanKB,
		c:        settings.FanKC,
	}
	return f
}

// Available reports whether this board has a fan output.
func (f *Controller) Available() bool {
	return f.pwm != nil && f.settings.FanAvailable
}

// Cycle runs one control tick.  absMaxTecI is the larger |TEC current|
// across both channels at the last control tick.
func (f *Controller) Cycle(absMaxTecI float64) {
	f.absMaxTecI = absMaxTecI
	if !f.auto || !f.Available() {
		return
	}
	x := absMaxTecI / max1968.MaxTecI
	power := util.Clamp(f.a*x*x+f.b*x+f.c, 0, 1)
	if err := f.applyPower(power); err != nil {
		log.Printf("fan PWM: %v", err)
	}
}

// SetAuto enables curve-driven operation.
func (f *Controller) SetAuto() {
	f.auto = true
	f.Cycle(f.absMaxTecI)
}

// SetManual disables auto mode and sets power directly, 1..100.
func (f *Controller) SetManual(power int) error {
	if power < MinUserPower || power > MaxUserPower {
		return ErrPower
	}
	f.auto = false
	if !f.Available() {
		return nil
	}
	return f.applyPower(float64(power) / MaxUserPower)
}

// SetCurve replaces the curve coefficients.
func (f *Controller) SetCurve(a, b, c float64) {
	f.a, f.b, f.c = a, b, c
	f.Cycle(f.absMaxTecI)
}

// RestoreDefaults reverts to the revision's curve.
func (f *Controller) RestoreDefaults() {
	f.SetCurve(f.settings.FanKA, f.settings.FanKB, f.settings.FanKC)
}

// Curve returns the active coefficients.
func (f *Controller) Curve() (a, b, c float64) {
	return f.a, f.b, f.c
}

// Auto reports whether the curve drives the fan.
func (f *Controller) Auto() bool {
	return f.auto
}

// applyPower maps a 0..1 power to the revision's usable duty range.
func (f *Controller) applyPower(power float64) error {
	s := f.settings
	duty := s.MinFanPWM + power*(s.MaxFanPWM-s.MinFanPWM)
	return f.pwm.SetDuty(util.Clamp(duty, 0, 1))
}

// Summary is the fan state reported over the command interface.
type Summary struct {
	FanPWM     float64 `json:"fan_pwm"`
	AbsMaxTecI float64 `json:"abs_max_tec_i"`
	AutoMode   bool    `json:"auto_mode"`
	KA         float64 `json:"k_a"`
	KB         float64 `json:"k_b"`
	KC         float64 `json:"k_c"`
}

// Summarize returns the reportable state, or nil when no fan is fitted.
func (f *Controller) Summarize() *Summary {
	if !f.Available() {
		return nil
	}
	return &Summary{
		FanPWM:     f.pwm.Duty(),
		AbsMaxTecI: f.absMaxTecI,
		AutoMode:   f.auto,
		KA:         f.a,
		KB:         f.b,
		KC:         f.c,
	}
}
