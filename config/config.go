// Package config defines the persistent settings record: everything about
// a channel that should survive a power cycle, plus device-wide network
// and fan settings.  Records marshal to a fixed little-endian layout so a
// blob written by one firmware build loads unchanged on the next.
package config

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"tecpak/ad7172"
	"tecpak/channels"
	"tecpak/fanctrl"
	"tecpak/max1968"
	"tecpak/pid"
	"tecpak/steinhart"
	"tecpak/units"
)

// ErrTruncated is returned when a stored blob is shorter than one record.
var ErrTruncated = errors.New("configuration record truncated")

// Channel is the persistent state of one control loop.
type Channel struct {
	PidEngaged bool
	ISet       float64
	PID        pid.Parameters
	SH         steinhart.Parameters

	MaxV    float64
	MaxIPos float64
	MaxINeg float64

	CenterVref  bool
	CenterFixed float64

	Postfilter ad7172.PostFilter
}

// IPv4 is the stored network identity.
type IPv4 struct {
	Address [4]byte
	Prefix  uint8
	Gateway [4]byte
}

func (n IPv4) String() string {
	a, g := n.Address, n.Gateway
	return fmt.Sprintf("%d.%d.%d.%d/%d [gateway %d.%d.%d.%d]",
		a[0], a[1], a[2], a[3], n.Prefix, g[0], g[1], g[2], g[3])
}

// Fan is the stored fan controller state.
type Fan struct {
	Auto       bool
	KA, KB, KC float64
}

// Config is the full persistent record.
type Config struct {
	Channels [channels.Count]Channel
	Net      IPv4
	Fan      Fan
}

// Default returns the boot-time record: channels disabled with model
// defaults, zeroed limits, hardware-reference centerpoint.
func Default() Config {
	var c Config
	for i := range c.Channels {
		c.Channels[i] = Channel{
			PID:        pid.DefaultParameters(),
			SH:         steinhart.Default(),
			CenterVref: true,
		}
	}
	c.Net = IPv4{Address: [4]byte{192, 168, 1, 26}, Prefix: 24}
	return c
}

// Capture snapshots the running state of both channels and the fan.  net
// is carried through unchanged, as the network identity only changes via
// its own command.
func Capture(cs *channels.Channels, fc *fanctrl.Controller, net IPv4) Config {
	c := Config{Net: net}
	for i, ch := range cs.Ch {
		out := ch.Output
		c.Channels[i] = Channel{
			PidEngaged:  ch.Mode == channels.Closed,
			ISet:        float64(ch.ISet),
			PID:         ch.PID.Parameters,
			SH:          ch.SH,
			MaxV:        out.MaxV,
			MaxIPos:     out.MaxIPos,
			MaxINeg:     out.MaxINeg,
			CenterVref:  out.Center.UseVref,
			CenterFixed: float64(out.Center.Fixed),
			Postfilter:  ch.Postfilter,
		}
	}
	if fc != nil {
		a, b, k := fc.Curve()
		c.Fan = Fan{Auto: fc.Auto(), KA: a, KB: b, KC: k}
	}
	return c
}

// ApplyChannel restores one channel.  Limits and the centerpoint are
// programmed first so the restored set point is asserted against them.
func (c Config) ApplyChannel(cs *channels.Channels, i int) error {
	rec := c.Channels[i]
	ch := cs.Ch[i]
	ch.SH = rec.SH
	ch.PID.Parameters = rec.PID

	if err := cs.SetLimit(i, max1968.PinMaxV, rec.MaxV); err != nil {
		return err
	}
	if err := cs.SetLimit(i, max1968.PinMaxIPos, rec.MaxIPos); err != nil {
		return err
	}
	if err := cs.SetLimit(i, max1968.PinMaxINeg, rec.MaxINeg); err != nil {
		return err
	}
	center := max1968.CenterPoint{UseVref: rec.CenterVref, Fixed: units.Volts(rec.CenterFixed)}
	if err := cs.SetCenter(i, center); err != nil {
		return err
	}
	if err := cs.SetPostFilter(i, rec.Postfilter); err != nil {
		return err
	}
	if rec.PidEngaged {
		cs.EngagePID(i)
		return nil
	}
	_, err := cs.SetISet(i, units.Amperes(rec.ISet))
	return err
}

// Apply restores both channels and the fan.
func (c Config) Apply(cs *channels.Channels, fc *fanctrl.Controller) error {
	for i := range c.Channels {
		if err := c.ApplyChannel(cs, i); err != nil {
			return err
		}
	}
	if fc != nil && fc.Available() {
		fc.SetCurve(c.Fan.KA, c.Fan.KB, c.Fan.KC)
		if c.Fan.Auto {
			fc.SetAuto()
		}
	}
	return nil
}

// MarshalBinary encodes the record in its fixed little-endian layout.
func (c Config) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a record.  Trailing bytes are ignored so the
// layout can grow by appending fields.
func (c *Config) UnmarshalBinary(data []byte) error {
	if len(data) < binary.Size(Config{}) {
		return ErrTruncated
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, c)
}
