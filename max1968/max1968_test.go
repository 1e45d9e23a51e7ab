package max1968

import (
	"math"
	"testing"

	"tecpak/ad5680"
	"tecpak/units"
)

type nullBus struct{}

func (nullBus) Transfer(tx []byte) ([]byte, error) {
	return make([]byte, len(tx)), nil
}

type dutyRecorder struct {
	duties map[LimitPin]float64
}

func newDutyRecorder() *dutyRecorder {
	return &dutyRecorder{duties: map[LimitPin]float64{}}
}

func (d *dutyRecorder) SetDuty(pin LimitPin, duty float64) error {
	if duty < 0 || duty > 1 {
		panic("duty out of [0, 1]")
	}
	d.duties[pin] = duty
	return nil
}

func newOutput(t *testing.T) (*Output, *dutyRecorder) {
	t.Helper()
	dac, err := ad5680.New(nullBus{})
	if err != nil {
		t.Fatal(err)
	}
	pwm := newDutyRecorder()
	return NewOutput(dac, pwm), pwm
}

func TestSetCurrentMapsThroughCenterpoint(t *testing.T) {
	o, _ := newOutput(t)
	o.MaxIPos = 3
	o.MaxINeg = 3
	eff, vdac, err := o.SetCurrent(1)
	if err != nil {
		t.Fatal(err)
	}
	// Vdac = 1.5 + 1 A * 0.5 V/A
	if math.Abs(float64(vdac)-2.0) > 1e-4 {
		t.Errorf("DAC voltage: got %v want 2.0", vdac)
	}
	if math.Abs(float64(eff)-1) > 1e-4 {
		t.Errorf("effective current: got %v want 1", eff)
	}
}

func TestSetCurrentHonorsProgrammedLimits(t *testing.T) {
	o, _ := newOutput(t)
	o.MaxIPos = 0.5
	o.MaxINeg = 1
	eff, _, err := o.SetCurrent(2)
	if err != nil {
		t.Fatal(err)
	}
	if float64(eff) > 0.5+1e-4 {
		t.Errorf("current must clamp to max_i_pos=0.5, got %v", eff)
	}
	eff, _, err = o.SetCurrent(-2)
	if err != nil {
		t.Fatal(err)
	}
	if float64(eff) < -1-1e-4 {
		t.Errorf("current must clamp to -max_i_neg=-1, got %v", eff)
	}
}

func TestFixedCenterpoint(t *testing.T) {
	o, _ := newOutput(t)
	o.MaxIPos = 3
	o.MaxINeg = 3
	o.Center = CenterPoint{Fixed: 1.0}
	_, vdac, err := o.SetCurrent(1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(vdac)-1.5) > 1e-4 {
		t.Errorf("DAC voltage with 1.0 V centerpoint: got %v want 1.5", vdac)
	}
}

func TestLimitDutiesAreLinear(t *testing.T) {
	o, pwm := newOutput(t)
	if err := o.SetMaxV(2.5); err != nil {
		t.Fatal(err)
	}
	if got := pwm.duties[PinMaxV]; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("max_v=2.5 V should program duty 0.5, got %v", got)
	}
	if err := o.SetMaxIPos(1.5); err != nil {
		t.Fatal(err)
	}
	if got := pwm.duties[PinMaxIPos]; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("max_i_pos=1.5 A should program duty 0.5, got %v", got)
	}
	if err := o.SetMaxINeg(3); err != nil {
		t.Fatal(err)
	}
	if got := pwm.duties[PinMaxINeg]; math.Abs(got-1) > 1e-9 {
		t.Errorf("max_i_neg=3 A should program duty 1, got %v", got)
	}
}

func TestLimitRangeEnforced(t *testing.T) {
	o, _ := newOutput(t)
	if err := o.SetMaxV(-1); err != ErrLimit {
		t.Errorf("negative max_v must be rejected, got %v", err)
	}
	if err := o.SetMaxV(MaxTecV + 1); err != ErrLimit {
		t.Errorf("overrange max_v must be rejected, got %v", err)
	}
	if err := o.SetMaxIPos(MaxTecI + 0.1); err != ErrLimit {
		t.Errorf("overrange max_i_pos must be rejected, got %v", err)
	}
	if err := o.SetMaxINeg(-0.5); err != ErrLimit {
		t.Errorf("negative magnitude must be rejected, got %v", err)
	}
}

func TestITecConversion(t *testing.T) {
	o, _ := newOutput(t)
	// 1 A through 8*Rsense gain about the 1.5 V center
	i := o.CurrentFromITec(units.Volts(1.5 + ITecGain))
	if math.Abs(float64(i)-1) > 1e-9 {
		t.Errorf("ITEC conversion: got %v want 1", i)
	}
}
