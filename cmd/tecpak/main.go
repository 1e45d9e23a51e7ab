// Command tecpak runs the dual-channel TEC controller core against the
// simulated board.  The peripherals sit behind narrow interfaces, so a
// hardware build only swaps the bus constructors in buildMachine.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/snksoft/crc"
	"github.com/tarm/serial"
	yml "gopkg.in/yaml.v2"

	"tecpak/ad5680"
	"tecpak/ad7172"
	"tecpak/channels"
	"tecpak/command"
	"tecpak/config"
	"tecpak/dfu"
	"tecpak/fanctrl"
	"tecpak/flashstore"
	"tecpak/httpapi"
	"tecpak/hwrev"
	"tecpak/max1968"
	"tecpak/server"
	"tecpak/sim"
	"tecpak/units"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "tecpak.yml"
	k              = koanf.New(".")
)

// Config is the daemon configuration.
type Config struct {
	// Addr is the TCP command interface address
	Addr string `koanf:"addr" yaml:"addr"`

	// HTTPAddr serves the read-only status API; empty disables it
	HTTPAddr string `koanf:"httpaddr" yaml:"httpaddr"`

	// Serial names a device carrying the line protocol; empty disables it
	Serial string `koanf:"serial" yaml:"serial"`

	// SerialBaud is the console baud rate
	SerialBaud int `koanf:"serialbaud" yaml:"serialbaud"`

	// Flash is the backing file for the 16 KiB config region; empty uses
	// volatile memory
	Flash string `koanf:"flash" yaml:"flash"`

	// Rev is the emulated hardware revision, "major.minor"
	Rev string `koanf:"rev" yaml:"rev"`

	// Ambient is the simulated environment temperature in degrees C
	Ambient float64 `koanf:"ambient" yaml:"ambient"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:       ":23",
		SerialBaud: 115200,
		Rev:        "2.2",
		Ambient:    25,
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `tecpak is the control core of a dual-channel thermo-electric cooler
controller: thermistor intake, PID loops, TEC output limits, persistent
configuration, and a line-oriented command interface on TCP.

Usage:
	tecpak <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `tecpak is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

Without a configuration the daemon runs a simulated board at 25 C with the
command interface on :23 and nothing else enabled.

Fields:
	addr       TCP command interface address (default ":23")
	httpaddr   read-only JSON status API; empty disables
	serial     serial device carrying the same line protocol; empty disables
	serialbaud console baud rate (default 115200)
	flash      backing file for the 16 KiB config region; empty is volatile
	rev        emulated hardware revision, e.g. "2.2" (fan fitted) or "2.0"
	ambient    simulated environment temperature in C

Connect with any line client, e.g. 'telnet <host> 23', and type 'report'.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("tecpak version %v\n", Version)
}

func parseRev(s string) hwrev.Revision {
	var maj, min uint8
	if _, err := fmt.Sscanf(s, "%d.%d", &maj, &min); err != nil {
		log.Fatalf("bad rev %q: %v", s, err)
	}
	return hwrev.Revision{Major: maj, Minor: min}
}

// deviceID derives a stable identity the way the firmware derives its MAC
// from the chip's unique ID; on a host the hostname stands in.
func deviceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "tecpak"
	}
	sum := crc.CalculateCRC(crc.CRC32, []byte(host))
	return fmt.Sprintf("02:a8:%02x:%02x:%02x:%02x",
		byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
}

func openFlash(path string) flashstore.Backend {
	if path == "" {
		return sim.NewMemFlash(flashstore.RegionSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		log.Fatalf("flash backing file: %v", err)
	}
	if fi, err := f.Stat(); err == nil && fi.Size() < flashstore.RegionSize {
		if err := f.Truncate(flashstore.RegionSize); err != nil {
			log.Fatalf("flash backing file: %v", err)
		}
	}
	return f
}

func buildMachine(c Config, rev hwrev.Revision) (*sim.Board, *channels.Channels, *fanctrl.Controller) {
	board := sim.NewBoard(units.Celsius(c.Ambient))
	adc, err := ad7172.NewADC(board.ADC)
	if err != nil {
		log.Fatalf("ADC bring-up: %v", err)
	}
	seq := ad7172.NewSequencer(adc, board.Clock.Now)

	var outs [channels.Count]*max1968.Output
	for i := range outs {
		dac, err := ad5680.New(board.DAC[i])
		if err != nil {
			log.Fatalf("DAC %d bring-up: %v", i, err)
		}
		outs[i] = max1968.NewOutput(dac, board.PWM[i])
	}
	cs := channels.New(seq, board, outs)

	settings := rev.Settings()
	var fanPWM fanctrl.PWM
	if settings.FanAvailable {
		fanPWM = board.Fan
	}
	return board, cs, fanctrl.New(fanPWM, settings)
}

func run() {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	rev := parseRev(c.Rev)
	log.Printf("tecpak v%s, hardware rev %d.%d, device id %s", Version, rev.Major, rev.Minor, deviceID())

	board, cs, fan := buildMachine(c, rev)
	store := flashstore.New(openFlash(c.Flash))

	net := config.Default().Net
	switch blob, err := store.Load(); err {
	case nil:
		var saved config.Config
		if uerr := saved.UnmarshalBinary(blob); uerr != nil {
			log.Printf("stored config unreadable: %v", uerr)
			break
		}
		if aerr := saved.Apply(cs, fan); aerr != nil {
			log.Printf("stored config rejected: %v", aerr)
			break
		}
		net = saved.Net
		log.Printf("restored configuration, network %s", net)
	case flashstore.ErrNoSavedConfig:
		log.Print("no saved configuration, using defaults")
	default:
		log.Printf("configuration load failed: %v", err)
	}

	var trigger dfu.Trigger
	disp := &command.Dispatcher{
		Channels: cs,
		Fan:      fan,
		Rev:      rev,
		Store:    store,
		Net:      &net,
	}

	scfg := server.DefaultConfig()
	scfg.Addr = c.Addr
	srv := server.New(scfg, disp, cs, fan, board.Clock.Now)
	srv.OnTick = func() { board.Advance(scfg.TickInterval.Milliseconds()) }
	srv.OnStall = func() {
		log.Fatal("watchdog: event loop stalled, resetting")
	}
	disp.Reset = srv.ScheduleReset
	disp.Dfu = func() {
		trigger.Arm()
		srv.ScheduleReset()
	}

	if c.Serial != "" {
		port, err := serial.OpenPort(&serial.Config{Name: c.Serial, Baud: c.SerialBaud})
		if err != nil {
			log.Fatalf("serial console: %v", err)
		}
		log.Printf("serial console on %s at %d baud", c.Serial, c.SerialBaud)
		go srv.Serve(port)
	}

	if c.HTTPAddr != "" {
		status := httpapi.New(cs, fan, rev, &net, srv.MachineLock())
		go func() {
			log.Printf("status API listening on %s", c.HTTPAddr)
			log.Fatal(http.ListenAndServe(c.HTTPAddr, status.Mux()))
		}()
	}

	err := srv.Run(context.Background())
	if err == server.ErrResetRequested {
		if trigger.Armed() {
			log.Print("resetting into DFU mode")
			os.Exit(3)
		}
		log.Print("resetting")
		os.Exit(0)
	}
	log.Fatal(err)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
