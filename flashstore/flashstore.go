// Package flashstore persists configuration blobs in a dedicated flash
// region using two payload slots and a pair of generation descriptors.  A
// save always writes the inactive slot first and commits by writing a new
// descriptor, so power loss mid-save leaves the previous configuration
// loadable.
package flashstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/snksoft/crc"
)

// region layout
const (
	// RegionSize is the reserved flash area
	RegionSize = 16 * 1024

	// SlotSize bounds one payload record including its header and CRC
	SlotSize = 8176

	descSize   = 8
	slotBase   = 32
	slotHeader = 8 // magic(4) + version(2) + length(2)
	slotTrail  = 4 // CRC32

	// MaxPayload is the largest blob Save accepts
	MaxPayload = SlotSize - slotHeader - slotTrail

	magic         = 0x54454331 // "TEC1"
	formatVersion = 1
)

var (
	// ErrBusy is returned when a save is already in flight
	ErrBusy = errors.New("flash save already in progress")

	// ErrCorrupt is returned when stored records fail their checksums
	ErrCorrupt = errors.New("stored configuration is corrupt")

	// ErrNoSavedConfig is returned from a fresh or erased region
	ErrNoSavedConfig = errors.New("no saved configuration")
)

// Backend is the flash region.  os.File satisfies it; the simulator
// provides an in-memory implementation.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Store manages the region.
type Store struct {
	b    Backend
	busy int32
}

// New wraps a backend.
func New(b Backend) *Store {
	return &Store{b: b}
}

// descriptor names the active slot.  Two descriptor cells alternate; the
// one carrying the higher valid generation wins.
type descriptor struct {
	generation uint32
	slot       uint8
}

func (d descriptor) encode() []byte {
	buf := make([]byte, descSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.generation)
	buf[4] = d.slot
	sum := crc.CalculateCRC(crc.CRC32, buf[:5])
	buf[5] = byte(sum)
	buf[6] = byte(sum >> 8)
	buf[7] = byte(sum >> 16)
	return buf
}

func decodeDescriptor(buf []byte) (descriptor, bool) {
	sum := crc.CalculateCRC(crc.CRC32, buf[:5])
	if buf[5] != byte(sum) || buf[6] != byte(sum>>8) || buf[7] != byte(sum>>16) {
		return descriptor{}, false
	}
	d := descriptor{
		generation: binary.LittleEndian.Uint32(buf[0:4]),
		slot:       buf[4],
	}
	if d.slot > 1 {
		return descriptor{}, false
	}
	return d, true
}

// active returns the winning descriptor, its cell index, and whether any
// valid descriptor exists.  On equal generations slot 0's cell wins.
func (s *Store) active() (descriptor, int, bool, error) {
	buf := make([]byte, 2*descSize)
	if _, err := s.b.ReadAt(buf, 0); err != nil {
		return descriptor{}, 0, false, err
	}
	var best descriptor
	cell := -1
	for i := 0; i < 2; i++ {
		d, ok := decodeDescriptor(buf[i*descSize : (i+1)*descSize])
		if !ok {
			continue
		}
		if cell < 0 || d.generation > best.generation {
			best, cell = d, i
		}
	}
	return best, cell, cell >= 0, nil
}

func slotOffset(slot uint8) int64 {
	return slotBase + int64(slot)*SlotSize
}

// Save stores a payload atomically with respect to power loss.
func (s *Store) Save(payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds slot capacity %d", len(payload), MaxPayload)
	}
	if !atomic.CompareAndSwapInt32(&s.busy, 0, 1) {
		return ErrBusy
	}
	defer atomic.StoreInt32(&s.busy, 0)

	cur, cell, ok, err := s.active()
	if err != nil {
		return err
	}
	next := descriptor{generation: 1, slot: 0}
	nextCell := 0
	if ok {
		next.generation = cur.generation + 1
		next.slot = 1 - cur.slot
		nextCell = 1 - cell
	}

	record := make([]byte, slotHeader+len(payload)+slotTrail)
	binary.LittleEndian.PutUint32(record[0:4], magic)
	binary.LittleEndian.PutUint16(record[4:6], formatVersion)
	binary.LittleEndian.PutUint16(record[6:8], uint16(len(payload)))
	copy(record[slotHeader:], payload)
	sum := crc.CalculateCRC(crc.CRC32, record[:slotHeader+len(payload)])
	binary.LittleEndian.PutUint32(record[slotHeader+len(payload):], uint32(sum))

	if _, err := s.b.WriteAt(record, slotOffset(next.slot)); err != nil {
		return err
	}
	if err := s.b.Sync(); err != nil {
		return err
	}
	// the descriptor write is the commit point
	if _, err := s.b.WriteAt(next.encode(), int64(nextCell)*descSize); err != nil {
		return err
	}
	return s.b.Sync()
}

// Load returns the most recently committed payload.
func (s *Store) Load() ([]byte, error) {
	d, _, ok, err := s.active()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSavedConfig
	}
	payload, err := s.readSlot(d.slot)
	if err == nil {
		return payload, nil
	}
	if err != ErrCorrupt {
		return nil, err
	}
	// the committed slot is damaged; the previous generation may survive
	// in the other slot
	payload, err = s.readSlot(1 - d.slot)
	if err == nil {
		return payload, nil
	}
	if err != ErrCorrupt {
		return nil, err
	}
	// both slots damaged: treat the region as holding nothing, so the
	// caller keeps running on its current configuration
	return nil, ErrNoSavedConfig
}

func (s *Store) readSlot(slot uint8) ([]byte, error) {
	buf := make([]byte, SlotSize)
	if _, err := s.b.ReadAt(buf, slotOffset(slot)); err != nil && err != io.EOF {
		return nil, err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != magic {
		return nil, ErrCorrupt
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != formatVersion {
		return nil, ErrCorrupt
	}
	n := int(binary.LittleEndian.Uint16(buf[6:8]))
	if n > MaxPayload {
		return nil, ErrCorrupt
	}
	sum := crc.CalculateCRC(crc.CRC32, buf[:slotHeader+n])
	if binary.LittleEndian.Uint32(buf[slotHeader+n:slotHeader+n+slotTrail]) != uint32(sum) {
		return nil, ErrCorrupt
	}
	out := make([]byte, n)
	copy(out, buf[slotHeader:slotHeader+n])
	return out, nil
}

// Erase invalidates both descriptors, returning the region to the
// no-saved-configuration state.
func (s *Store) Erase() error {
	if !atomic.CompareAndSwapInt32(&s.busy, 0, 1) {
		return ErrBusy
	}
	defer atomic.StoreInt32(&s.busy, 0)

	blank := make([]byte, 2*descSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := s.b.WriteAt(blank, 0); err != nil {
		return err
	}
	return s.b.Sync()
}
