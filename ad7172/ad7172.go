// Package ad7172 drives the AD7172-2 sigma-delta converter that digitizes
// both thermistor channels, and sequences its round-robin conversions into
// timestamped samples.
//
// Register map and bit positions follow the datasheet
// (https://www.analog.com/media/en/technical-documentation/data-sheets/AD7172-2.pdf);
// only the registers this board uses are modeled.
package ad7172

import (
	"errors"
	"fmt"
)

// Bus is a full-duplex SPI connection with the converter's chip select
// asserted for the duration of one Transfer.
type Bus interface {
	Transfer(tx []byte) ([]byte, error)
}

// register addresses
const (
	regStatus  = 0x00
	regADCMode = 0x01
	regIfMode  = 0x02
	regData    = 0x04
	regID      = 0x07
	regCh0     = 0x10
	regCh1     = 0x11
	regSetup0  = 0x20
	regSetup1  = 0x21
	regFilt0   = 0x28
	regFilt1   = 0x29
)

const (
	// FullScale is the all-ones 24-bit conversion code
	FullScale = 1<<24 - 1

	// Channels is the number of differential inputs sequenced
	Channels = 2

	idExpected = 0x00D0
	idRetries  = 10
)

var (
	// ErrBadID is returned when the converter does not identify as an AD7172-2
	ErrBadID = errors.New("ADC did not identify as AD7172-2")

	// ErrSaturated is returned for under/overrange conversion codes
	ErrSaturated = errors.New("ADC conversion saturated")
)

// PostFilter selects the sinc5+sinc1 enhanced-rejection postfilter, or Off
// for the default sinc5 path.
type PostFilter uint8

// postfilter settings, ordered as the datasheet's ENHFILT field
const (
	Off PostFilter = iota
	F27SPS
	F21SPS
	F20SPS
	F16SPS
)

// Rate returns the output data rate in Hz, 0 for Off.
func (p PostFilter) Rate() float64 {
	switch p {
	case F27SPS:
		return 27
	case F21SPS:
		return 21.25
	case F20SPS:
		return 20
	case F16SPS:
		return 16.67
	default:
		return 0
	}
}

func (p PostFilter) bits() uint16 {
	switch p {
	case F27SPS:
		return 0b010
	case F21SPS:
		return 0b011
	case F20SPS:
		return 0b101
	case F16SPS:
		return 0b110
	default:
		return 0
	}
}

// FromRate matches a requested rate in Hz against the supported postfilter
// rates with a 0.1 Hz tolerance.
func FromRate(rate float64) (PostFilter, bool) {
	for _, p := range []PostFilter{F27SPS, F21SPS, F20SPS, F16SPS} {
		d := p.Rate() - rate
		if d < 0.1 && d > -0.1 {
			return p, true
		}
	}
	return Off, false
}

// ADC is the register-level driver.
type ADC struct {
	bus Bus

	// postfilter holds each channel's configured setting so a re-init
	// after a stall restores it instead of reverting to Off
	postfilter [Channels]PostFilter
}

// NewADC resets and identifies the converter, then configures both
// differential channels for continuous round-robin conversion.
func NewADC(bus Bus) (*ADC, error) {
	a := &ADC{bus: bus}
	if err := a.Init(); err != nil {
		return nil, err
	}
	return a, nil
}

// Init runs the full reset / identify / channel setup sequence.  It is also
// used to recover from a stalled converter.
func (a *ADC) Init() error {
	if err := a.Reset(); err != nil {
		return err
	}
	ok := false
	for i := 0; i < idRetries; i++ {
		id, err := a.readReg(regID, 2)
		if err != nil {
			return err
		}
		if id&0xFFF0 == idExpected {
			ok = true
			break
		}
	}
	if !ok {
		return ErrBadID
	}

	// setup 0/1: bipolar off, internal reference disabled, external ref
	for _, reg := range []byte{regSetup0, regSetup1} {
		if err := a.writeReg(reg, 2, 0x0000); err != nil {
			return err
		}
	}
	// channel 0: AIN0/AIN1 on setup 0; channel 1: AIN2/AIN3 on setup 1
	if err := a.writeReg(regCh0, 2, 0x8001); err != nil {
		return err
	}
	if err := a.writeReg(regCh1, 2, 0x9043); err != nil {
		return err
	}
	// filter: sinc5+sinc1, plus each channel's configured postfilter
	for ch := 0; ch < Channels; ch++ {
		if err := a.SetPostFilter(ch, a.postfilter[ch]); err != nil {
			return err
		}
	}
	// continuous conversion, external clock bits zero
	return a.writeReg(regADCMode, 2, 0x0000)
}

// Reset clocks 64 one-bits through the interface, returning the part to its
// power-on register state.
func (a *ADC) Reset() error {
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = 0xFF
	}
	_, err := a.bus.Transfer(buf)
	return err
}

func (a *ADC) readReg(addr byte, n int) (uint32, error) {
	tx := make([]byte, n+1)
	tx[0] = 0x40 | addr
	rx, err := a.bus.Transfer(tx)
	if err != nil {
		return 0, err
	}
	if len(rx) != n+1 {
		return 0, fmt.Errorf("short SPI transfer: %d of %d bytes", len(rx), n+1)
	}
	var v uint32
	for _, b := range rx[1:] {
		v = v<<8 | uint32(b)
	}
	return v, nil
}

func (a *ADC) writeReg(addr byte, n int, val uint32) error {
	tx := make([]byte, n+1)
	tx[0] = addr
	for i := n; i >= 1; i-- {
		tx[i] = byte(val)
		val >>= 8
	}
	_, err := a.bus.Transfer(tx)
	return err
}

// Ready polls the status register.  It reports whether a conversion is
// waiting and which channel it belongs to.
func (a *ADC) Ready() (bool, int, error) {
	status, err := a.readReg(regStatus, 1)
	if err != nil {
		return false, 0, err
	}
	// RDY is active low
	ready := status&0x80 == 0
	channel := int(status & 0x03)
	return ready, channel, nil
}

// ReadData reads one 24-bit conversion, clearing the ready flag.
func (a *ADC) ReadData() (uint32, error) {
	return a.readReg(regData, 3)
}

// SetPostFilter programs the enhanced 50/60 Hz rejection postfilter for one
// channel, or restores the plain sinc5+sinc1 path for Off.
func (a *ADC) SetPostFilter(ch int, p PostFilter) error {
	reg := byte(regFilt0)
	if ch == 1 {
		reg = regFilt1
	}
	// power-on FILTCON: sinc5+sinc1 order, postfilter disabled.  The
	// ENHFILT field must be replaced, not OR-ed; its reset value is 101.
	var v uint16 = 0x0500
	if p != Off {
		v &^= 0b111 << 8
		v |= 1 << 11 // ENHFILTEN
		v |= p.bits() << 8
	}
	if err := a.writeReg(reg, 2, uint32(v)); err != nil {
		return err
	}
	a.postfilter[ch] = p
	return nil
}

// GetPostFilter reads back the postfilter configuration of one channel.
func (a *ADC) GetPostFilter(ch int) (PostFilter, error) {
	reg := byte(regFilt0)
	if ch == 1 {
		reg = regFilt1
	}
	v, err := a.readReg(reg, 2)
	if err != nil {
		return Off, err
	}
	if v&(1<<11) == 0 {
		return Off, nil
	}
	bits := uint16(v>>8) & 0b111
	for _, p := range []PostFilter{F27SPS, F21SPS, F20SPS, F16SPS} {
		if p.bits() == bits {
			return p, nil
		}
	}
	return Off, nil
}
