// Package dfu arms the bootloader's firmware-update path.  A reserved
// 4-byte RAM window survives a soft reset; the boot ROM checks it for the
// magic word and enters DFU mode when it matches.
package dfu

import "encoding/binary"

// Magic is the trigger word the bootloader looks for.
const Magic = 0xDECAFBAD

// Trigger is the reserved RAM window.
type Trigger struct {
	region [4]byte
}

// Arm writes the magic word.  The next reset enters the bootloader.
func (t *Trigger) Arm() {
	binary.LittleEndian.PutUint32(t.region[:], Magic)
}

// Clear erases the window so a normal reset boots the firmware.
func (t *Trigger) Clear() {
	t.region = [4]byte{}
}

// Armed reports whether the magic word is present.
func (t *Trigger) Armed() bool {
	return binary.LittleEndian.Uint32(t.region[:]) == Magic
}
