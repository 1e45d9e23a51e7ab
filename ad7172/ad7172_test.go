package ad7172_test

import (
	"math"
	"testing"

	"tecpak/ad7172"
	"tecpak/sim"
)

func newBoard(t *testing.T) (*sim.Board, *ad7172.Sequencer) {
	t.Helper()
	board := sim.NewBoard(25)
	adc, err := ad7172.NewADC(board.ADC)
	if err != nil {
		t.Fatalf("ADC init: %v", err)
	}
	return board, ad7172.NewSequencer(adc, board.Clock.Now)
}

func TestInitConfiguresChannels(t *testing.T) {
	board, _ := newBoard(t)
	if got := board.ADC.Register(0x10); got != 0x8001 {
		t.Errorf("channel 0 register: got %#06x want 0x8001", got)
	}
	if got := board.ADC.Register(0x11); got != 0x9043 {
		t.Errorf("channel 1 register: got %#06x want 0x9043", got)
	}
	if board.ADC.Resets == 0 {
		t.Error("init must reset the interface")
	}
}

func TestPostFilterRoundTrip(t *testing.T) {
	board, seq := newBoard(t)
	adc := seq.ADC()

	for _, p := range []ad7172.PostFilter{ad7172.F27SPS, ad7172.F21SPS, ad7172.F20SPS, ad7172.F16SPS, ad7172.Off} {
		if err := adc.SetPostFilter(0, p); err != nil {
			t.Fatalf("SetPostFilter(%v): %v", p, err)
		}
		got, err := adc.GetPostFilter(0)
		if err != nil {
			t.Fatalf("GetPostFilter: %v", err)
		}
		if got != p {
			t.Errorf("postfilter round trip: got %v want %v", got, p)
		}
	}

	// ENHFILTEN set, ENHFILT replaced by 011
	if err := adc.SetPostFilter(0, ad7172.F21SPS); err != nil {
		t.Fatal(err)
	}
	if got := board.ADC.Register(0x28); got != 0x0B00 {
		t.Errorf("filter register for 21.25 SPS: got %#06x want 0x0b00", got)
	}
	// Off restores the reset value
	if err := adc.SetPostFilter(0, ad7172.Off); err != nil {
		t.Fatal(err)
	}
	if got := board.ADC.Register(0x28); got != 0x0500 {
		t.Errorf("filter register for Off: got %#06x want 0x0500", got)
	}
}

func TestFromRate(t *testing.T) {
	cases := []struct {
		rate float64
		want ad7172.PostFilter
		ok   bool
	}{
		{27, ad7172.F27SPS, true},
		{21.25, ad7172.F21SPS, true},
		{20, ad7172.F20SPS, true},
		{16.67, ad7172.F16SPS, true},
		{16.7, ad7172.F16SPS, true},
		{25, ad7172.Off, false},
		{0, ad7172.Off, false},
	}
	for _, tc := range cases {
		got, ok := ad7172.FromRate(tc.rate)
		if got != tc.want || ok != tc.ok {
			t.Errorf("FromRate(%v) = %v, %v; want %v, %v", tc.rate, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPollRoundRobin(t *testing.T) {
	board, seq := newBoard(t)

	s, err := seq.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Fatalf("no conversion should be ready at t=0, got %+v", s)
	}

	want := []int{0, 1, 0, 1}
	for _, ch := range want {
		board.Advance(50)
		s, err = seq.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if s == nil {
			t.Fatal("conversion should be ready after advancing the clock")
		}
		if s.Channel != ch {
			t.Errorf("round robin: got channel %d want %d", s.Channel, ch)
		}
		if s.Saturated {
			t.Error("in-range code flagged saturated")
		}
	}

	// plant sits at 25 C, so the thermistor reads close to its R0
	if math.Abs(float64(s.Resistance)-10_000) > 5 {
		t.Errorf("resistance at 25 C: got %v want ~10000", s.Resistance)
	}
	if math.Abs(float64(s.Voltage)-1.65) > 1e-3 {
		t.Errorf("divider voltage at R0: got %v want ~1.65", s.Voltage)
	}
}

func TestPollSaturation(t *testing.T) {
	board, seq := newBoard(t)

	for _, code := range []int64{0, 1<<24 - 1} {
		board.ADC.ForceCode = code
		board.Advance(50)
		s, err := seq.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if s == nil {
			t.Fatal("expected a sample")
		}
		if !s.Saturated {
			t.Errorf("code %#x must be flagged saturated", code)
		}
		if s.Resistance != 0 {
			t.Errorf("saturated sample must carry no resistance, got %v", s.Resistance)
		}
	}
}

func TestPollStallRecovery(t *testing.T) {
	board, seq := newBoard(t)
	resets := board.ADC.Resets

	board.ADC.Stalled = true
	board.Advance(250)
	if _, err := seq.Poll(); err != nil {
		t.Fatalf("stall recovery: %v", err)
	}
	if board.ADC.Resets <= resets {
		t.Error("a silent ready line past the timeout must re-initialise the converter")
	}

	board.ADC.Stalled = false
	board.Advance(50)
	s, err := seq.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if s == nil {
		t.Error("conversions should resume after recovery")
	}
}

func TestStallRecoveryKeepsPostfilter(t *testing.T) {
	board, seq := newBoard(t)
	adc := seq.ADC()

	if err := adc.SetPostFilter(0, ad7172.F27SPS); err != nil {
		t.Fatal(err)
	}
	want := board.ADC.Register(0x28)
	resets := board.ADC.Resets

	board.ADC.Stalled = true
	board.Advance(250)
	if _, err := seq.Poll(); err != nil {
		t.Fatalf("stall recovery: %v", err)
	}
	if board.ADC.Resets <= resets {
		t.Fatal("expected a re-initialisation")
	}

	// the re-init must restore the configured postfilter, not revert to Off
	if got := board.ADC.Register(0x28); got != want {
		t.Errorf("filter register after re-init: got %#06x want %#06x", got, want)
	}
	p, err := adc.GetPostFilter(0)
	if err != nil {
		t.Fatal(err)
	}
	if p != ad7172.F27SPS {
		t.Errorf("postfilter after re-init: got %v want F27SPS", p)
	}
}
