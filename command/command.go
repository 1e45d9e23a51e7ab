// Package command implements the line-oriented control protocol: a
// hand-rolled token parser for the command grammar and a dispatcher that
// executes parsed commands against the channel machines, the fan, and the
// persistent store, emitting one JSON line per response.
package command

import (
	"strconv"
	"strings"

	"tecpak/config"
	"tecpak/max1968"
)

// Error is a protocol-surface failure.  Kind is the exact string clients
// see in {"error": "<kind>"}.
type Error struct {
	Kind string
}

func (e *Error) Error() string {
	return e.Kind
}

// the protocol error kinds
var (
	ErrInvalidCommand = &Error{"InvalidCommand"}
	ErrInvalidParam   = &Error{"InvalidParam"}
	ErrOutOfRange     = &Error{"OutOfRange"}
	ErrUnknownChannel = &Error{"UnknownChannel"}
	ErrFlashBusy      = &Error{"FlashBusy"}
	ErrFlashCorrupt   = &Error{"FlashCorrupt"}
	ErrNoSavedConfig  = &Error{"NoSavedConfig"}
	ErrNetworkConfig  = &Error{"NetworkConfig"}
)

// Op identifies a parsed command.
type Op int

// the command set
const (
	OpQuit Op = iota
	OpReport
	OpReportModeQuery
	OpReportModeSet
	OpPwmQuery
	OpSetISet
	OpEngagePID
	OpSetLimit
	OpSetCenter
	OpPidQuery
	OpSetPidParam
	OpShQuery
	OpSetShParam
	OpPostfilterQuery
	OpSetPostfilter
	OpLoad
	OpSave
	OpReset
	OpDfu
	OpSetIPv4
	OpFanQuery
	OpFanAuto
	OpFanManual
	OpFanCurve
	OpFanCurveDefault
	OpHwRev
)

// Command is one parsed line.
type Command struct {
	Op Op

	// Channel is the target channel, or -1 for all/none
	Channel int

	// On is the report-mode argument
	On bool

	// Pin selects the limit for OpSetLimit
	Pin max1968.LimitPin

	// Field names the parameter for OpSetPidParam / OpSetShParam
	Field string

	// Value is the numeric argument
	Value float64

	// CenterVref selects the hardware reference for OpSetCenter
	CenterVref bool

	// Rate is the postfilter rate in Hz; 0 selects off
	Rate float64

	// Net is the OpSetIPv4 payload
	Net config.IPv4

	// Power is the OpFanManual argument
	Power int

	// Curve holds the OpFanCurve coefficients
	Curve [3]float64
}

var pidFields = map[string]bool{
	"target":       true,
	"kp":           true,
	"ki":           true,
	"kd":           true,
	"output_min":   true,
	"output_max":   true,
	"integral_min": true,
	"integral_max": true,
}

// Parse decodes one line.  The returned error, if any, is always *Error.
func Parse(line string) (Command, error) {
	tok := strings.Fields(line)
	if len(tok) == 0 {
		return Command{}, ErrInvalidCommand
	}
	cmd := Command{Channel: -1}

	switch tok[0] {
	case "quit":
		return exactly(cmd, OpQuit, tok, 1)

	case "report":
		if len(tok) == 1 {
			cmd.Op = OpReport
			return cmd, nil
		}
		if tok[1] != "mode" {
			return cmd, ErrInvalidCommand
		}
		if len(tok) == 2 {
			cmd.Op = OpReportModeQuery
			return cmd, nil
		}
		if len(tok) != 3 {
			return cmd, ErrInvalidCommand
		}
		switch tok[2] {
		case "on":
			cmd.On = true
		case "off":
			cmd.On = false
		default:
			return cmd, ErrInvalidCommand
		}
		cmd.Op = OpReportModeSet
		return cmd, nil

	case "pwm":
		if len(tok) == 1 {
			cmd.Op = OpPwmQuery
			return cmd, nil
		}
		ch, err := parseChannel(tok[1])
		if err != nil {
			return cmd, err
		}
		cmd.Channel = ch
		if len(tok) == 3 && tok[2] == "pid" {
			cmd.Op = OpEngagePID
			return cmd, nil
		}
		if len(tok) != 4 {
			return cmd, ErrInvalidCommand
		}
		v, err := parseFloat(tok[3])
		if err != nil {
			return cmd, err
		}
		cmd.Value = v
		switch tok[2] {
		case "i_set":
			cmd.Op = OpSetISet
		case "max_v":
			cmd.Op, cmd.Pin = OpSetLimit, max1968.PinMaxV
		case "max_i_pos":
			cmd.Op, cmd.Pin = OpSetLimit, max1968.PinMaxIPos
		case "max_i_neg":
			cmd.Op, cmd.Pin = OpSetLimit, max1968.PinMaxINeg
		default:
			return cmd, ErrInvalidCommand
		}
		return cmd, nil

	case "center":
		if len(tok) != 3 {
			return cmd, ErrInvalidCommand
		}
		ch, err := parseChannel(tok[1])
		if err != nil {
			return cmd, err
		}
		cmd.Channel = ch
		cmd.Op = OpSetCenter
		if tok[2] == "vref" {
			cmd.CenterVref = true
			return cmd, nil
		}
		v, err := parseFloat(tok[2])
		if err != nil {
			return cmd, err
		}
		cmd.Value = v
		return cmd, nil

	case "pid":
		if len(tok) == 1 {
			cmd.Op = OpPidQuery
			return cmd, nil
		}
		if len(tok) != 4 {
			return cmd, ErrInvalidCommand
		}
		ch, err := parseChannel(tok[1])
		if err != nil {
			return cmd, err
		}
		if !pidFields[tok[2]] {
			return cmd, ErrInvalidCommand
		}
		v, err := parseFloat(tok[3])
		if err != nil {
			return cmd, err
		}
		cmd.Op, cmd.Channel, cmd.Field, cmd.Value = OpSetPidParam, ch, tok[2], v
		return cmd, nil

	case "s-h":
		if len(tok) == 1 {
			cmd.Op = OpShQuery
			return cmd, nil
		}
		if len(tok) != 4 {
			return cmd, ErrInvalidCommand
		}
		ch, err := parseChannel(tok[1])
		if err != nil {
			return cmd, err
		}
		switch tok[2] {
		case "t0", "b", "r0":
		default:
			return cmd, ErrInvalidCommand
		}
		v, err := parseFloat(tok[3])
		if err != nil {
			return cmd, err
		}
		cmd.Op, cmd.Channel, cmd.Field, cmd.Value = OpSetShParam, ch, tok[2], v
		return cmd, nil

	case "postfilter":
		if len(tok) == 1 {
			cmd.Op = OpPostfilterQuery
			return cmd, nil
		}
		ch, err := parseChannel(tok[1])
		if err != nil {
			return cmd, err
		}
		cmd.Channel = ch
		cmd.Op = OpSetPostfilter
		if len(tok) == 3 && tok[2] == "off" {
			cmd.Rate = 0
			return cmd, nil
		}
		if len(tok) == 4 && tok[2] == "rate" {
			v, err := parseFloat(tok[3])
			if err != nil {
				return cmd, err
			}
			cmd.Rate = v
			return cmd, nil
		}
		return cmd, ErrInvalidCommand

	case "load", "save":
		cmd.Op = OpLoad
		if tok[0] == "save" {
			cmd.Op = OpSave
		}
		if len(tok) == 1 {
			return cmd, nil
		}
		if len(tok) != 2 {
			return cmd, ErrInvalidCommand
		}
		ch, err := parseChannel(tok[1])
		if err != nil {
			return cmd, err
		}
		cmd.Channel = ch
		return cmd, nil

	case "reset":
		return exactly(cmd, OpReset, tok, 1)

	case "dfu":
		return exactly(cmd, OpDfu, tok, 1)

	case "ipv4":
		if len(tok) < 2 || len(tok) > 3 {
			return cmd, ErrInvalidCommand
		}
		net, err := parseIPv4(tok[1:])
		if err != nil {
			return cmd, err
		}
		cmd.Op, cmd.Net = OpSetIPv4, net
		return cmd, nil

	case "fan":
		if len(tok) == 1 {
			cmd.Op = OpFanQuery
			return cmd, nil
		}
		if len(tok) != 2 {
			return cmd, ErrInvalidCommand
		}
		if tok[1] == "auto" {
			cmd.Op = OpFanAuto
			return cmd, nil
		}
		p, err := strconv.Atoi(tok[1])
		if err != nil {
			return cmd, ErrInvalidParam
		}
		cmd.Op, cmd.Power = OpFanManual, p
		return cmd, nil

	case "fcurve":
		if len(tok) == 2 && tok[1] == "default" {
			cmd.Op = OpFanCurveDefault
			return cmd, nil
		}
		if len(tok) != 4 {
			return cmd, ErrInvalidCommand
		}
		for i := 0; i < 3; i++ {
			v, err := parseFloat(tok[1+i])
			if err != nil {
				return cmd, err
			}
			cmd.Curve[i] = v
		}
		cmd.Op = OpFanCurve
		return cmd, nil

	case "hwrev":
		return exactly(cmd, OpHwRev, tok, 1)
	}
	return cmd, ErrInvalidCommand
}

func exactly(cmd Command, op Op, tok []string, n int) (Command, error) {
	if len(tok) != n {
		return cmd, ErrInvalidCommand
	}
	cmd.Op = op
	return cmd, nil
}

func parseChannel(s string) (int, error) {
	ch, err := strconv.Atoi(s)
	if err != nil {
		return 0, ErrInvalidParam
	}
	if ch < 0 || ch > 1 {
		return 0, ErrUnknownChannel
	}
	return ch, nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrInvalidParam
	}
	return v, nil
}

// parseIPv4 decodes "A.B.C.D/len" plus an optional gateway.
func parseIPv4(tok []string) (config.IPv4, error) {
	var n config.IPv4
	parts := strings.SplitN(tok[0], "/", 2)
	if len(parts) != 2 {
		return n, ErrNetworkConfig
	}
	addr, err := parseDotted(parts[0])
	if err != nil {
		return n, err
	}
	prefix, err := strconv.Atoi(parts[1])
	if err != nil || prefix < 0 || prefix > 32 {
		return n, ErrNetworkConfig
	}
	n.Address = addr
	n.Prefix = uint8(prefix)
	if len(tok) == 2 {
		gw, err := parseDotted(tok[1])
		if err != nil {
			return n, err
		}
		n.Gateway = gw
	}
	return n, nil
}

func parseDotted(s string) ([4]byte, error) {
	var out [4]byte
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return out, ErrNetworkConfig
	}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return out, ErrNetworkConfig
		}
		out[i] = byte(v)
	}
	return out, nil
}
