package command

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"tecpak/ad5680"
	"tecpak/ad7172"
	"tecpak/channels"
	"tecpak/config"
	"tecpak/fanctrl"
	"tecpak/flashstore"
	"tecpak/hwrev"
	"tecpak/max1968"
	"tecpak/sim"
	"tecpak/units"
)

type rig struct {
	board *sim.Board
	cs    *channels.Channels
	flash *sim.MemFlash
	d     *Dispatcher
	s     *Session
}

func newRig(t *testing.T, ambient units.Celsius, flash *sim.MemFlash) *rig {
	t.Helper()
	board := sim.NewBoard(ambient)
	adc, err := ad7172.NewADC(board.ADC)
	if err != nil {
		t.Fatal(err)
	}
	seq := ad7172.NewSequencer(adc, board.Clock.Now)
	var outs [channels.Count]*max1968.Output
	for i := range outs {
		dac, err := ad5680.New(board.DAC[i])
		if err != nil {
			t.Fatal(err)
		}
		outs[i] = max1968.NewOutput(dac, board.PWM[i])
	}
	cs := channels.New(seq, board, outs)
	if flash == nil {
		flash = sim.NewMemFlash(flashstore.RegionSize)
	}
	rev := hwrev.Revision{Major: 2, Minor: 2}
	net := config.Default().Net
	return &rig{
		board: board,
		cs:    cs,
		flash: flash,
		d: &Dispatcher{
			Channels: cs,
			Fan:      fanctrl.New(board.Fan, rev.Settings()),
			Rev:      rev,
			Store:    flashstore.New(flash),
			Net:      &net,
		},
		s: &Session{},
	}
}

// run dispatches a line and fails the test on an error response.
func (r *rig) run(t *testing.T, line string) []string {
	t.Helper()
	out := r.d.Dispatch(line, r.s)
	for _, l := range out {
		if strings.Contains(l, `"error"`) {
			t.Fatalf("%q: %s", line, l)
		}
	}
	return out
}

func (r *rig) tick(t *testing.T) {
	t.Helper()
	r.board.Advance(50)
	if _, err := r.cs.Tick(r.board.Clock.Now()); err != nil {
		t.Fatal(err)
	}
}

func errKind(lines []string) string {
	if len(lines) != 1 {
		return ""
	}
	var m map[string]string
	if json.Unmarshal([]byte(lines[0]), &m) != nil {
		return ""
	}
	return m["error"]
}

func TestBaselineClosedLoopStep(t *testing.T) {
	r := newRig(t, 27, nil)
	r.board.Plant.HeatPerAmp = 0 // hold the plant at 27 while we look

	for _, line := range []string{
		"s-h 0 t0 25", "s-h 0 r0 10000", "s-h 0 b 3988",
		"pid 0 target 25", "pid 0 kp 1.5", "pid 0 ki 0.02", "pid 0 kd 5",
		"pid 0 output_min -1", "pid 0 output_max 1",
		"pwm 0 max_i_pos 1", "pwm 0 max_i_neg 1", "pwm 0 max_v 4",
		"pwm 0 pid",
	} {
		r.run(t, line)
	}
	r.tick(t) // channel 0 conversion
	r.tick(t) // channel 1 conversion

	lines := r.run(t, "report")
	if len(lines) != channels.Count {
		t.Fatalf("report must emit one line per channel, got %d", len(lines))
	}
	var rep struct {
		Channel     int     `json:"channel"`
		Temperature float64 `json:"temperature"`
		PidEngaged  bool    `json:"pid_engaged"`
		PidOutput   float64 `json:"pid_output"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Channel != 0 || !rep.PidEngaged {
		t.Errorf("channel/engaged: got %d/%v", rep.Channel, rep.PidEngaged)
	}
	if math.Abs(rep.Temperature-27) > 0.01 {
		t.Errorf("temperature: got %v want 27 +- 0.01", rep.Temperature)
	}
	if rep.PidOutput >= 0 {
		t.Errorf("above target must command cooling, pid_output %v", rep.PidOutput)
	}
	if math.Abs(rep.PidOutput) > 1 {
		t.Errorf("pid_output beyond output_max: %v", rep.PidOutput)
	}
}

func TestLimitCapsCurrentBelowPidOutput(t *testing.T) {
	r := newRig(t, 40, nil)
	r.board.Plant.HeatPerAmp = 0
	for _, line := range []string{
		"pwm 0 max_i_pos 0.5", "pwm 0 max_i_neg 0.5", "pwm 0 max_v 4",
		"pid 0 target 25", "pid 0 kp 5", "pid 0 output_min -2", "pid 0 output_max 2",
		"pwm 0 pid",
	} {
		r.run(t, line)
	}
	r.tick(t)
	if i := math.Abs(float64(r.cs.Ch[0].EffectiveI)); i > 0.5+1e-3 {
		t.Errorf("effective current must respect the limit: got %v", i)
	}
	if out, _ := r.cs.Ch[0].PID.LastOutput(); math.Abs(out) <= 0.5 {
		t.Errorf("the PID itself should be asking for more than the limit, got %v", out)
	}
}

func TestQueryShapes(t *testing.T) {
	r := newRig(t, 25, nil)
	r.run(t, "pid 1 target 30")
	r.run(t, "postfilter 1 rate 27")

	lines := r.run(t, "pid")
	var ps struct {
		Channel    int `json:"channel"`
		Parameters struct {
			Kp        float64 `json:"kp"`
			OutputMax float64 `json:"output_max"`
		} `json:"parameters"`
		Target   float64 `json:"target"`
		Integral float64 `json:"integral"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &ps); err != nil {
		t.Fatal(err)
	}
	if ps.Channel != 1 || ps.Target != 30 {
		t.Errorf("pid summary: %+v", ps)
	}

	lines = r.run(t, "postfilter")
	var pf struct {
		Channel int      `json:"channel"`
		Rate    *float64 `json:"rate"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &pf); err != nil {
		t.Fatal(err)
	}
	if pf.Rate != nil {
		t.Errorf("channel 0 postfilter should be off, got %v", *pf.Rate)
	}
	if err := json.Unmarshal([]byte(lines[1]), &pf); err != nil {
		t.Fatal(err)
	}
	if pf.Rate == nil || *pf.Rate != 27 {
		t.Errorf("channel 1 postfilter: got %v want 27", pf.Rate)
	}

	r.run(t, "s-h 0 t0 36.5")
	lines = r.run(t, "s-h")
	var sh struct {
		Params struct {
			T0 float64 `json:"t0"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &sh); err != nil {
		t.Fatal(err)
	}
	if math.Abs(sh.Params.T0-36.5) > 1e-9 {
		t.Errorf("t0 reads back in degrees: got %v want 36.5", sh.Params.T0)
	}

	lines = r.run(t, "pwm")
	var pw struct {
		Channel int `json:"channel"`
		ISet    struct {
			Value float64 `json:"value"`
			Max   float64 `json:"max"`
		} `json:"i_set"`
		MaxV struct {
			Max float64 `json:"max"`
		} `json:"max_v"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &pw); err != nil {
		t.Fatal(err)
	}
	if pw.MaxV.Max != max1968.MaxTecV {
		t.Errorf("max_v ceiling: got %v", pw.MaxV.Max)
	}
}

func TestSaveLoadAcrossReboot(t *testing.T) {
	flash := sim.NewMemFlash(flashstore.RegionSize)
	r := newRig(t, 25, flash)

	for _, line := range []string{
		"s-h 1 t0 20", "s-h 1 r0 12000", "s-h 1 b 3700",
		"pid 1 target 15", "pid 1 kp 2",
		"pwm 1 max_i_pos 1.25", "pwm 1 max_i_neg 0.75", "pwm 1 max_v 3.5",
		"postfilter 1 rate 16.67",
		"center 1 1.45",
		"save 1",
	} {
		r.run(t, line)
	}

	// a new rig over the same flash is the rebooted device
	r2 := newRig(t, 25, flash)
	r2.run(t, "load 1")

	ch := r2.cs.Ch[1]
	if math.Abs(float64(units.K2C(ch.SH.T0))-20) > 1e-9 || ch.SH.B != 3700 || ch.SH.R0 != 12000 {
		t.Errorf("restored s-h: %+v", ch.SH)
	}
	if ch.PID.Parameters.Target != 15 || ch.PID.Parameters.Kp != 2 {
		t.Errorf("restored pid: %+v", ch.PID.Parameters)
	}
	if ch.Output.MaxIPos != 1.25 || ch.Output.MaxINeg != 0.75 || ch.Output.MaxV != 3.5 {
		t.Errorf("restored limits: %+v", ch.Output)
	}
	if ch.Postfilter != ad7172.F16SPS {
		t.Errorf("restored postfilter: got %v", ch.Postfilter)
	}
	if ch.Output.Center.UseVref || math.Abs(float64(ch.Output.Center.Fixed)-1.45) > 1e-9 {
		t.Errorf("restored centerpoint: %+v", ch.Output.Center)
	}
	// channel 0 was never loaded
	if r2.cs.Ch[0].Output.MaxV != 0 {
		t.Errorf("channel 0 must stay at defaults, MaxV %v", r2.cs.Ch[0].Output.MaxV)
	}
}

func TestLoadWithoutSavedConfig(t *testing.T) {
	r := newRig(t, 25, nil)
	out := r.d.Dispatch("load", r.s)
	if errKind(out) != "NoSavedConfig" {
		t.Errorf("load on fresh flash: got %v", out)
	}
	if r.cs.Ch[0].Output.MaxV != 0 {
		t.Error("failed load must leave runtime config untouched")
	}
}

func TestInvalidParamLeavesConfigUntouched(t *testing.T) {
	r := newRig(t, 25, nil)
	r.run(t, "pid 0 output_max 1")

	out := r.d.Dispatch("pid 0 output_min 2", r.s)
	if errKind(out) != "OutOfRange" {
		t.Fatalf("inverted output bounds: got %v", out)
	}
	p := r.cs.Ch[0].PID.Parameters
	if p.OutputMin == 2 {
		t.Error("rejected parameter must not be applied")
	}

	out = r.d.Dispatch("s-h 0 r0 -5", r.s)
	if errKind(out) != "InvalidParam" {
		t.Fatalf("negative r0: got %v", out)
	}
	if r.cs.Ch[0].SH.R0 < 0 {
		t.Error("rejected s-h value must not be applied")
	}

	out = r.d.Dispatch("postfilter 0 rate 19", r.s)
	if errKind(out) != "OutOfRange" {
		t.Errorf("unsupported rate: got %v", out)
	}
}

func TestReportModeAndQuit(t *testing.T) {
	r := newRig(t, 25, nil)

	lines := r.run(t, "report mode")
	if lines[0] != `{"report":false}` {
		t.Errorf("report mode query: got %s", lines[0])
	}
	r.run(t, "report mode on")
	if !r.s.ReportMode {
		t.Error("report mode on must set the session flag")
	}
	lines = r.run(t, "report mode")
	if lines[0] != `{"report":true}` {
		t.Errorf("report mode query: got %s", lines[0])
	}

	out := r.run(t, "quit")
	if len(out) != 0 {
		t.Errorf("quit must not respond, got %v", out)
	}
	if !r.s.Quit {
		t.Error("quit must mark the session for closing")
	}
}

func TestFanCommands(t *testing.T) {
	r := newRig(t, 25, nil)

	r.run(t, "fan 50")
	if r.d.Fan.Auto() {
		t.Error("manual power must leave auto mode")
	}
	out := r.d.Dispatch("fan 0", r.s)
	if errKind(out) != "OutOfRange" {
		t.Errorf("fan 0: got %v", out)
	}
	r.run(t, "fcurve 0.5 0.25 0.1")
	a, b, c := r.d.Fan.Curve()
	if a != 0.5 || b != 0.25 || c != 0.1 {
		t.Errorf("fcurve: got %v %v %v", a, b, c)
	}
	r.run(t, "fcurve default")
	r.run(t, "fan auto")
	if !r.d.Fan.Auto() {
		t.Error("fan auto must enable the curve")
	}

	// a rev 2.0 board has no fan
	r20 := newRig(t, 25, nil)
	r20.d.Rev = hwrev.Revision{Major: 2, Minor: 0}
	r20.d.Fan = fanctrl.New(nil, r20.d.Rev.Settings())
	out = r20.d.Dispatch("fan auto", r20.s)
	if errKind(out) != "InvalidCommand" {
		t.Errorf("fan auto without a fan: got %v", out)
	}
	lines := r20.run(t, "fan")
	if lines[0] != "null" {
		t.Errorf("fan query without a fan: got %s", lines[0])
	}
}

func TestHwRevAndIPv4(t *testing.T) {
	r := newRig(t, 25, nil)

	lines := r.run(t, "hwrev")
	var hr struct {
		Rev struct {
			Major uint8 `json:"major"`
			Minor uint8 `json:"minor"`
		} `json:"rev"`
		Settings struct {
			FanAvailable bool `json:"fan_available"`
		} `json:"settings"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &hr); err != nil {
		t.Fatal(err)
	}
	if hr.Rev.Major != 2 || hr.Rev.Minor != 2 || !hr.Settings.FanAvailable {
		t.Errorf("hwrev: %+v", hr)
	}

	r.run(t, "ipv4 10.1.2.3/16 10.1.0.1")
	if r.d.Net.Address != [4]byte{10, 1, 2, 3} || r.d.Net.Prefix != 16 {
		t.Errorf("ipv4: %+v", r.d.Net)
	}
	before := *r.d.Net
	out := r.d.Dispatch("ipv4 10.1.2.3/40", r.s)
	if errKind(out) != "NetworkConfig" {
		t.Errorf("bad prefix: got %v", out)
	}
	if *r.d.Net != before {
		t.Error("a rejected ipv4 command must not change the record")
	}
}

func TestResetAndDfuHooks(t *testing.T) {
	r := newRig(t, 25, nil)
	var resets, dfus int
	r.d.Reset = func() { resets++ }
	r.d.Dfu = func() { dfus++ }

	r.run(t, "reset")
	if resets != 1 {
		t.Errorf("reset hook calls: got %d", resets)
	}
	r.run(t, "dfu")
	if dfus != 1 {
		t.Errorf("dfu hook calls: got %d", dfus)
	}
}
