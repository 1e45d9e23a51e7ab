package command

import (
	"encoding/json"
	"log"

	"tecpak/ad7172"
	"tecpak/channels"
	"tecpak/config"
	"tecpak/fanctrl"
	"tecpak/flashstore"
	"tecpak/hwrev"
	"tecpak/max1968"
	"tecpak/steinhart"
	"tecpak/units"
)

// Session is the per-connection protocol state.
type Session struct {
	// ReportMode streams one report line per fresh sample when set
	ReportMode bool

	// Quit is set by the quit command; the transport closes the session
	Quit bool
}

// Dispatcher executes commands.  It must run on the event-loop task (or
// under its lock): it touches the channel machines directly.
type Dispatcher struct {
	Channels *channels.Channels
	Fan      *fanctrl.Controller
	Rev      hwrev.Revision
	Store    *flashstore.Store

	// Net is the in-memory device network record, persisted by save
	Net *config.IPv4

	// Reset schedules a device reset after the response line is flushed
	Reset func()

	// Dfu arms the bootloader trigger word and schedules a reset
	Dfu func()
}

const okLine = `{}`

// Dispatch parses and executes one line, returning the response lines.
func (d *Dispatcher) Dispatch(line string, s *Session) []string {
	cmd, err := Parse(line)
	if err != nil {
		return []string{errLine(err)}
	}
	lines, err := d.run(cmd, s)
	if err != nil {
		return []string{errLine(err)}
	}
	return lines
}

func errLine(err error) string {
	kind := "InvalidParam"
	if e, ok := err.(*Error); ok {
		kind = e.Kind
	}
	b, _ := json.Marshal(map[string]string{"error": kind})
	return string(b)
}

func mapErr(err error) error {
	switch err {
	case nil:
		return nil
	case max1968.ErrLimit:
		return ErrOutOfRange
	case steinhart.ErrInvalidParam:
		return ErrInvalidParam
	case flashstore.ErrBusy:
		return ErrFlashBusy
	case flashstore.ErrCorrupt:
		return ErrFlashCorrupt
	case flashstore.ErrNoSavedConfig:
		return ErrNoSavedConfig
	case fanctrl.ErrPower:
		return ErrOutOfRange
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	log.Printf("command: %v", err)
	return ErrInvalidParam
}

func jsonLine(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return errLine(ErrInvalidParam)
	}
	return string(b)
}

func (d *Dispatcher) run(cmd Command, s *Session) ([]string, error) {
	switch cmd.Op {
	case OpQuit:
		s.Quit = true
		return nil, nil

	case OpReport:
		lines := make([]string, channels.Count)
		for i := range lines {
			lines[i] = jsonLine(d.Channels.Report(i))
		}
		return lines, nil

	case OpReportModeQuery:
		return []string{jsonLine(map[string]bool{"report": s.ReportMode})}, nil

	case OpReportModeSet:
		s.ReportMode = cmd.On
		return []string{okLine}, nil

	case OpPwmQuery:
		lines := make([]string, channels.Count)
		for i := range lines {
			lines[i] = jsonLine(d.pwmSummary(i))
		}
		return lines, nil

	case OpSetISet:
		if _, err := d.Channels.SetISet(cmd.Channel, units.Amperes(cmd.Value)); err != nil {
			return nil, mapErr(err)
		}
		return []string{okLine}, nil

	case OpEngagePID:
		d.Channels.EngagePID(cmd.Channel)
		return []string{okLine}, nil

	case OpSetLimit:
		if err := d.Channels.SetLimit(cmd.Channel, cmd.Pin, cmd.Value); err != nil {
			return nil, mapErr(err)
		}
		return []string{okLine}, nil

	case OpSetCenter:
		center := max1968.CenterPoint{UseVref: cmd.CenterVref, Fixed: units.Volts(cmd.Value)}
		if !cmd.CenterVref && (cmd.Value < 0 || cmd.Value > max1968.MaxTecV) {
			return nil, ErrOutOfRange
		}
		if err := d.Channels.SetCenter(cmd.Channel, center); err != nil {
			return nil, mapErr(err)
		}
		return []string{okLine}, nil

	case OpPidQuery:
		lines := make([]string, channels.Count)
		for i := range lines {
			lines[i] = jsonLine(d.pidSummary(i))
		}
		return lines, nil

	case OpSetPidParam:
		return d.setPidParam(cmd)

	case OpShQuery:
		lines := make([]string, channels.Count)
		for i := range lines {
			lines[i] = jsonLine(d.shSummary(i))
		}
		return lines, nil

	case OpSetShParam:
		return d.setShParam(cmd)

	case OpPostfilterQuery:
		lines := make([]string, channels.Count)
		for i := range lines {
			lines[i] = jsonLine(d.postfilterSummary(i))
		}
		return lines, nil

	case OpSetPostfilter:
		return d.setPostfilter(cmd)

	case OpLoad:
		return d.load(cmd.Channel)

	case OpSave:
		return d.save(cmd.Channel)

	case OpReset:
		if d.Reset != nil {
			d.Reset()
		}
		return []string{okLine}, nil

	case OpDfu:
		if d.Dfu != nil {
			d.Dfu()
		}
		return []string{okLine}, nil

	case OpSetIPv4:
		*d.Net = cmd.Net
		return []string{okLine}, nil

	case OpFanQuery:
		if d.Fan == nil {
			return []string{jsonLine(nil)}, nil
		}
		return []string{jsonLine(d.Fan.Summarize())}, nil

	case OpFanAuto:
		if !d.fanFitted() {
			return nil, ErrInvalidCommand
		}
		d.Fan.SetAuto()
		return []string{okLine}, nil

	case OpFanManual:
		if !d.fanFitted() {
			return nil, ErrInvalidCommand
		}
		if err := d.Fan.SetManual(cmd.Power); err != nil {
			return nil, mapErr(err)
		}
		return []string{okLine}, nil

	case OpFanCurve:
		if !d.fanFitted() {
			return nil, ErrInvalidCommand
		}
		d.Fan.SetCurve(cmd.Curve[0], cmd.Curve[1], cmd.Curve[2])
		return []string{okLine}, nil

	case OpFanCurveDefault:
		if !d.fanFitted() {
			return nil, ErrInvalidCommand
		}
		d.Fan.RestoreDefaults()
		return []string{okLine}, nil

	case OpHwRev:
		return []string{jsonLine(map[string]interface{}{
			"rev":      d.Rev,
			"settings": d.Rev.Settings(),
		})}, nil
	}
	return nil, ErrInvalidCommand
}

func (d *Dispatcher) fanFitted() bool {
	return d.Fan != nil && d.Fan.Available()
}

// limit is a value/ceiling pair in a pwm summary.
type limit struct {
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

type pwmSummary struct {
	Channel int         `json:"channel"`
	Center  interface{} `json:"center"`
	ISet    limit       `json:"i_set"`
	MaxV    limit       `json:"max_v"`
	MaxIPos limit       `json:"max_i_pos"`
	MaxINeg limit       `json:"max_i_neg"`
}

func (d *Dispatcher) pwmSummary(i int) pwmSummary {
	ch := d.Channels.Ch[i]
	out := ch.Output
	var center interface{} = "vref"
	if !out.Center.UseVref {
		center = float64(out.Center.Fixed)
	}
	return pwmSummary{
		Channel: i,
		Center:  center,
		ISet:    limit{Value: float64(ch.ISet), Max: float64(out.MaxISet())},
		MaxV:    limit{Value: out.MaxV, Max: max1968.MaxTecV},
		MaxIPos: limit{Value: out.MaxIPos, Max: max1968.MaxTecI},
		MaxINeg: limit{Value: out.MaxINeg, Max: max1968.MaxTecI},
	}
}

type pidParams struct {
	Kp          float64 `json:"kp"`
	Ki          float64 `json:"ki"`
	Kd          float64 `json:"kd"`
	OutputMin   float64 `json:"output_min"`
	OutputMax   float64 `json:"output_max"`
	IntegralMin float64 `json:"integral_min"`
	IntegralMax float64 `json:"integral_max"`
}

type pidSummary struct {
	Channel    int       `json:"channel"`
	Parameters pidParams `json:"parameters"`
	Target     float64   `json:"target"`
	Integral   float64   `json:"integral"`
}

func (d *Dispatcher) pidSummary(i int) pidSummary {
	ch := d.Channels.Ch[i]
	p := ch.PID.Parameters
	return pidSummary{
		Channel: i,
		Parameters: pidParams{
			Kp:          p.Kp,
			Ki:          p.Ki,
			Kd:          p.Kd,
			OutputMin:   p.OutputMin,
			OutputMax:   p.OutputMax,
			IntegralMin: p.IntegralMin,
			IntegralMax: p.IntegralMax,
		},
		Target:   p.Target,
		Integral: ch.PID.Integral(),
	}
}

func (d *Dispatcher) setPidParam(cmd Command) ([]string, error) {
	ch := d.Channels.Ch[cmd.Channel]
	p := ch.PID.Parameters
	switch cmd.Field {
	case "target":
		p.Target = cmd.Value
	case "kp":
		p.Kp = cmd.Value
	case "ki":
		p.Ki = cmd.Value
	case "kd":
		p.Kd = cmd.Value
	case "output_min":
		p.OutputMin = cmd.Value
	case "output_max":
		p.OutputMax = cmd.Value
	case "integral_min":
		p.IntegralMin = cmd.Value
	case "integral_max":
		p.IntegralMax = cmd.Value
	}
	if p.OutputMin > p.OutputMax || p.IntegralMin > p.IntegralMax {
		return nil, ErrOutOfRange
	}
	ch.PID.Parameters = p
	ch.PID.ClampIntegral()
	return []string{okLine}, nil
}

type shParams struct {
	T0 float64 `json:"t0"`
	B  float64 `json:"b"`
	R0 float64 `json:"r0"`
}

type shSummary struct {
	Channel int      `json:"channel"`
	Params  shParams `json:"params"`
}

func (d *Dispatcher) shSummary(i int) shSummary {
	sh := d.Channels.Ch[i].SH
	return shSummary{
		Channel: i,
		// t0 reads back in the same unit it is set in
		Params: shParams{T0: float64(units.K2C(sh.T0)), B: sh.B, R0: float64(sh.R0)},
	}
}

func (d *Dispatcher) setShParam(cmd Command) ([]string, error) {
	ch := d.Channels.Ch[cmd.Channel]
	sh := ch.SH
	switch cmd.Field {
	case "t0":
		sh.T0 = units.C2K(units.Celsius(cmd.Value))
	case "b":
		sh.B = cmd.Value
	case "r0":
		sh.R0 = units.Ohms(cmd.Value)
	}
	if !sh.Valid() {
		return nil, ErrInvalidParam
	}
	ch.SH = sh
	return []string{okLine}, nil
}

type postfilterSummary struct {
	Channel int      `json:"channel"`
	Rate    *float64 `json:"rate"`
}

func (d *Dispatcher) postfilterSummary(i int) postfilterSummary {
	s := postfilterSummary{Channel: i}
	if p := d.Channels.Ch[i].Postfilter; p != 0 {
		r := p.Rate()
		s.Rate = &r
	}
	return s
}

func (d *Dispatcher) setPostfilter(cmd Command) ([]string, error) {
	p := ad7172.Off
	if cmd.Rate != 0 {
		var ok bool
		if p, ok = ad7172.FromRate(cmd.Rate); !ok {
			return nil, ErrOutOfRange
		}
	}
	if err := d.Channels.SetPostFilter(cmd.Channel, p); err != nil {
		return nil, mapErr(err)
	}
	return []string{okLine}, nil
}

func (d *Dispatcher) load(channel int) ([]string, error) {
	blob, err := d.Store.Load()
	if err != nil {
		return nil, mapErr(err)
	}
	var cfg config.Config
	if err := cfg.UnmarshalBinary(blob); err != nil {
		return nil, ErrFlashCorrupt
	}
	if channel >= 0 {
		if err := cfg.ApplyChannel(d.Channels, channel); err != nil {
			return nil, mapErr(err)
		}
		return []string{okLine}, nil
	}
	if err := cfg.Apply(d.Channels, d.Fan); err != nil {
		return nil, mapErr(err)
	}
	*d.Net = cfg.Net
	return []string{okLine}, nil
}

func (d *Dispatcher) save(channel int) ([]string, error) {
	snap := config.Capture(d.Channels, d.Fan, *d.Net)
	out := snap
	if channel >= 0 {
		// single-channel save keeps the other stored records intact
		out = config.Default()
		out.Net = *d.Net
		if blob, err := d.Store.Load(); err == nil {
			var stored config.Config
			if err := stored.UnmarshalBinary(blob); err == nil {
				out = stored
			}
		}
		out.Channels[channel] = snap.Channels[channel]
	}
	blob, err := out.MarshalBinary()
	if err != nil {
		return nil, mapErr(err)
	}
	if err := d.Store.Save(blob); err != nil {
		return nil, mapErr(err)
	}
	return []string{okLine}, nil
}
