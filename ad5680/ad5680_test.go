package ad5680

import (
	"math"
	"testing"

	"tecpak/units"
)

// loopbackBus records the last frame written.
type loopbackBus struct {
	frames [][]byte
}

func (b *loopbackBus) Transfer(tx []byte) ([]byte, error) {
	cp := make([]byte, len(tx))
	copy(cp, tx)
	b.frames = append(b.frames, cp)
	return make([]byte, len(tx)), nil
}

func TestFramePacking(t *testing.T) {
	bus := &loopbackBus{}
	d, err := New(bus)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Set(MaxCode); err != nil {
		t.Fatal(err)
	}
	frame := bus.frames[len(bus.frames)-1]
	// 18 ones shifted up 2 bits in a 24-bit frame
	want := []byte{0x0F, 0xFF, 0xFC}
	for i := range want {
		if frame[i] != want[i] {
			t.Errorf("frame byte %d: got %02X want %02X", i, frame[i], want[i])
		}
	}
}

func TestVoltageQuantization(t *testing.T) {
	bus := &loopbackBus{}
	d, _ := New(bus)
	for _, v := range []float64{0, 1.5, 2.5, 5.0} {
		got, err := d.SetVoltage(units.Volts(v))
		if err != nil {
			t.Fatal(err)
		}
		lsb := VFull / MaxCode
		if math.Abs(float64(got)-v) > lsb {
			t.Errorf("set %v V, quantized to %v V (more than one LSB off)", v, got)
		}
	}
}

func TestVoltageClamped(t *testing.T) {
	bus := &loopbackBus{}
	d, _ := New(bus)
	got, err := d.SetVoltage(7.5)
	if err != nil {
		t.Fatal(err)
	}
	if got != VFull {
		t.Errorf("overrange voltage should clamp to %v, got %v", VFull, got)
	}
	got, err = d.SetVoltage(-1)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("underrange voltage should clamp to 0, got %v", got)
	}
}

func TestDriftDetectorNeedsConsecutiveExceedances(t *testing.T) {
	dd := DriftDetector{Threshold: 0.05, Window: 3}
	if dd.Observe(1.0, 1.2) {
		t.Error("one exceedance should not flag drift")
	}
	if dd.Observe(1.0, 1.2) {
		t.Error("two exceedances should not flag drift")
	}
	if !dd.Observe(1.0, 1.2) {
		t.Error("three consecutive exceedances should flag drift")
	}
}

func TestDriftDetectorResetsOnGoodSample(t *testing.T) {
	dd := DriftDetector{Threshold: 0.05, Window: 2}
	dd.Observe(1.0, 1.2)
	dd.Observe(1.0, 1.01) // back in tolerance
	if dd.Observe(1.0, 1.2) {
		t.Error("run should reset after an in-tolerance sample")
	}
}
