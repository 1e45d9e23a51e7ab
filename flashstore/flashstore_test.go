package flashstore

import (
	"bytes"
	"testing"

	"tecpak/sim"
)

func TestFreshRegionHasNoConfig(t *testing.T) {
	s := New(sim.NewMemFlash(RegionSize))
	if _, err := s.Load(); err != ErrNoSavedConfig {
		t.Fatalf("fresh region: got %v want ErrNoSavedConfig", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	flash := sim.NewMemFlash(RegionSize)
	s := New(flash)

	a := []byte("first configuration")
	if err := s.Save(a); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, a) {
		t.Errorf("load after save: got %q want %q", got, a)
	}

	b := []byte("second configuration, a bit longer")
	if err := s.Save(b); err != nil {
		t.Fatal(err)
	}
	got, err = s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, b) {
		t.Errorf("load after second save: got %q want %q", got, b)
	}

	// a fresh Store over the same backing survives the reboot
	got, err = New(flash).Load()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, b) {
		t.Errorf("load after reboot: got %q want %q", got, b)
	}
}

func TestSlotsAlternate(t *testing.T) {
	flash := sim.NewMemFlash(RegionSize)
	s := New(flash)

	if err := s.Save([]byte("gen one")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save([]byte("gen two")); err != nil {
		t.Fatal(err)
	}
	d, _, ok, err := s.active()
	if err != nil || !ok {
		t.Fatalf("no active descriptor after two saves: %v", err)
	}
	if d.generation != 2 || d.slot != 1 {
		t.Errorf("after two saves: generation %d slot %d, want 2/1", d.generation, d.slot)
	}
	if err := s.Save([]byte("gen three")); err != nil {
		t.Fatal(err)
	}
	d, _, _, _ = s.active()
	if d.generation != 3 || d.slot != 0 {
		t.Errorf("after three saves: generation %d slot %d, want 3/0", d.generation, d.slot)
	}
}

func TestPowerLossBeforeCommitKeepsOldConfig(t *testing.T) {
	// a save is two writes: the payload record, then the descriptor.
	// Cut power after each and check the previous generation survives.
	for _, failAfter := range []int{2, 3} {
		flash := sim.NewMemFlash(RegionSize)
		s := New(flash)

		old := []byte("known good settings")
		if err := s.Save(old); err != nil {
			t.Fatal(err)
		}

		flash.FailAfterWrites = failAfter
		if err := s.Save([]byte("never committed")); err == nil {
			t.Fatalf("failAfter=%d: interrupted save must report an error", failAfter)
		}

		flash.FailAfterWrites = -1
		got, err := New(flash).Load()
		if err != nil {
			t.Fatalf("failAfter=%d: load after power loss: %v", failAfter, err)
		}
		if !bytes.Equal(got, old) {
			t.Errorf("failAfter=%d: got %q want %q", failAfter, got, old)
		}
	}
}

func TestCorruptActiveSlotFallsBack(t *testing.T) {
	flash := sim.NewMemFlash(RegionSize)
	s := New(flash)

	old := []byte("previous generation")
	if err := s.Save(old); err != nil {
		t.Fatal(err)
	}
	if err := s.Save([]byte("latest generation")); err != nil {
		t.Fatal(err)
	}

	// scribble over the committed slot's payload
	if _, err := flash.WriteAt([]byte{0xA5, 0x5A, 0xA5, 0x5A}, slotOffset(1)+12); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("load with damaged active slot: %v", err)
	}
	if !bytes.Equal(got, old) {
		t.Errorf("fallback: got %q want %q", got, old)
	}

}

func TestBothSlotsCorruptActsAsNoConfig(t *testing.T) {
	flash := sim.NewMemFlash(RegionSize)
	s := New(flash)

	if err := s.Save([]byte("previous generation")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save([]byte("latest generation")); err != nil {
		t.Fatal(err)
	}

	// scribble over both slots' magic
	for _, slot := range []uint8{0, 1} {
		if _, err := flash.WriteAt([]byte{0, 0, 0, 0}, slotOffset(slot)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Load(); err != ErrNoSavedConfig {
		t.Errorf("both slots damaged: got %v want ErrNoSavedConfig", err)
	}
}

func TestErase(t *testing.T) {
	flash := sim.NewMemFlash(RegionSize)
	s := New(flash)
	if err := s.Save([]byte("doomed")); err != nil {
		t.Fatal(err)
	}
	if err := s.Erase(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err != ErrNoSavedConfig {
		t.Errorf("load after erase: got %v want ErrNoSavedConfig", err)
	}
}

func TestOversizePayloadRejected(t *testing.T) {
	s := New(sim.NewMemFlash(RegionSize))
	if err := s.Save(make([]byte, MaxPayload+1)); err == nil {
		t.Error("oversize payload must be rejected")
	}
}
