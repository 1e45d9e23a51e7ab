package sim

import (
	"errors"
	"sync"
)

// ADCBus is a register-level model of the AD7172-2 SPI interface.  It
// produces alternating channel conversions on a fixed schedule driven by
// the board clock, sourcing codes from the thermal plant.
type ADCBus struct {
	mu    sync.Mutex
	clock *Clock
	plant *Plant

	regs      map[byte]uint32
	nextReady int64
	channel   int

	// SampleInterval is the conversion period in ms across both channels
	SampleInterval int64

	// Stalled suppresses the ready flag to exercise stall recovery
	Stalled bool

	// ForceCode overrides the plant-derived code when non-negative, for
	// saturation cases
	ForceCode int64

	// Resets counts interface resets seen
	Resets int
}

// NewADCBus returns a model in its power-on state.
func NewADCBus(clock *Clock, plant *Plant) *ADCBus {
	return &ADCBus{
		clock:          clock,
		plant:          plant,
		regs:           make(map[byte]uint32),
		SampleInterval: 50,
		ForceCode:      -1,
	}
}

// Transfer implements ad7172.Bus.
func (b *ADCBus) Transfer(tx []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(tx) == 0 {
		return nil, errors.New("empty transfer")
	}
	if isReset(tx) {
		b.regs = make(map[byte]uint32)
		b.Resets++
		b.nextReady = b.clock.Now() + b.SampleInterval
		return make([]byte, len(tx)), nil
	}

	rx := make([]byte, len(tx))
	addr := tx[0] & 0x3F
	if tx[0]&0x40 != 0 {
		b.readReg(addr, rx[1:])
	} else {
		var v uint32
		for _, x := range tx[1:] {
			v = v<<8 | uint32(x)
		}
		b.regs[addr] = v
	}
	return rx, nil
}

func isReset(tx []byte) bool {
	if len(tx) < 8 {
		return false
	}
	for _, x := range tx {
		if x != 0xFF {
			return false
		}
	}
	return true
}

func (b *ADCBus) readReg(addr byte, out []byte) {
	var v uint32
	switch addr {
	case 0x00: // status
		if b.ready() {
			v = uint32(b.channel) // RDY active low
		} else {
			v = 0x80
		}
	case 0x04: // data
		v = b.code()
		b.channel = (b.channel + 1) % 2
		b.nextReady = b.clock.Now() + b.SampleInterval
	case 0x07: // ID
		v = 0x00D1
	default:
		v = b.regs[addr]
	}
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
}

func (b *ADCBus) ready() bool {
	return !b.Stalled && b.clock.Now() >= b.nextReady
}

func (b *ADCBus) code() uint32 {
	if b.ForceCode >= 0 {
		return uint32(b.ForceCode)
	}
	v := b.plant.SenseVoltage(b.channel)
	code := int64(v / 3.3 * float64(1<<24-1))
	if code < 0 {
		code = 0
	}
	if code > 1<<24-1 {
		code = 1<<24 - 1
	}
	return uint32(code)
}

// Register reads back a latched configuration register, for tests.
func (b *ADCBus) Register(addr byte) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[addr]
}
