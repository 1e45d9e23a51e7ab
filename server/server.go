// Package server runs the control surface: the TCP command listener, the
// per-connection sessions, and the event loop that owns the channel
// machines.  Sessions never touch the peripherals directly; they dispatch
// commands under the machine lock and receive report lines over buffered
// queues.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tecpak/channels"
	"tecpak/command"
	"tecpak/fanctrl"
)

// ErrResetRequested is returned from Run when a reset or dfu command has
// been accepted.  The caller decides what a reset means on its platform.
var ErrResetRequested = errors.New("device reset requested")

// Config holds the transport and loop settings.
type Config struct {
	// Addr is the TCP listen address
	Addr string

	// MaxSessions bounds concurrent TCP sessions
	MaxSessions int

	// MaxLineLen bounds one command line; longer input is discarded to
	// the next newline and answered with InvalidCommand
	MaxLineLen int

	// TickInterval paces the event loop
	TickInterval time.Duration

	// WatchdogTimeout is how long the loop may stall before OnStall fires
	WatchdogTimeout time.Duration
}

// DefaultConfig mirrors the device defaults: telnet port, four sessions.
func DefaultConfig() Config {
	return Config{
		Addr:            ":23",
		MaxSessions:     4,
		MaxLineLen:      64,
		TickInterval:    5 * time.Millisecond,
		WatchdogTimeout: time.Second,
	}
}

// Server owns the event loop and the session set.
type Server struct {
	cfg  Config
	disp *command.Dispatcher
	cs   *channels.Channels
	fan  *fanctrl.Controller
	now  func() int64

	// OnTick, when set, runs under the machine lock at the start of each
	// loop iteration.  The simulator uses it to advance its physics.
	OnTick func()

	// OnStall is called once by the software watchdog when the event
	// loop stalls past WatchdogTimeout
	OnStall func()

	mu sync.Mutex // machine lock: channels, fan, dispatcher state

	smu      sync.Mutex
	sessions map[*session]bool

	addr      atomic.Value // net.Addr, set once listening
	lastTick  int64        // wall nanoseconds, atomic
	reset     chan struct{}
	resetOnce sync.Once
}

// New assembles a server.  fan may be nil.
func New(cfg Config, disp *command.Dispatcher, cs *channels.Channels, fan *fanctrl.Controller, now func() int64) *Server {
	return &Server{
		cfg:      cfg,
		disp:     disp,
		cs:       cs,
		fan:      fan,
		now:      now,
		sessions: make(map[*session]bool),
		reset:    make(chan struct{}),
	}
}

// MachineLock exposes the machine lock for read-only surfaces that live
// outside the event loop, like the HTTP status API.
func (s *Server) MachineLock() sync.Locker {
	return &s.mu
}

// ScheduleReset makes Run return ErrResetRequested once the current
// response lines have been flushed.  Safe to call from any goroutine.
func (s *Server) ScheduleReset() {
	s.resetOnce.Do(func() { close(s.reset) })
}

// Addr returns the bound listen address, or nil before Run has started
// listening.  Tests listen on an ephemeral port and read it back here.
func (s *Server) Addr() net.Addr {
	if a, ok := s.addr.Load().(net.Addr); ok {
		return a
	}
	return nil
}

// Run listens, serves sessions, and drives the event loop until the
// context ends or a reset is scheduled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	s.addr.Store(ln.Addr())
	log.Printf("command interface listening on %s", ln.Addr())

	go s.acceptLoop(ln)
	go s.watchdog(ctx)

	atomic.StoreInt64(&s.lastTick, time.Now().UnixNano())
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reset:
			return ErrResetRequested
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Server) tick() {
	atomic.StoreInt64(&s.lastTick, time.Now().UnixNano())

	s.mu.Lock()
	if s.OnTick != nil {
		s.OnTick()
	}
	updated, err := s.cs.Tick(s.now())
	if err != nil {
		log.Printf("control tick: %v", err)
	}
	if s.fan != nil {
		s.fan.Cycle(s.cs.AbsMaxTecI())
	}
	var line string
	if updated >= 0 {
		if b, jerr := json.Marshal(s.cs.Report(updated)); jerr == nil {
			line = string(b)
		}
	}
	s.mu.Unlock()

	if line != "" {
		s.broadcast(line)
	}
}

// broadcast queues a report line on every streaming session.  A session
// that cannot keep up loses lines rather than stalling the loop.
func (s *Server) broadcast(line string) {
	s.smu.Lock()
	defer s.smu.Unlock()
	for sess := range s.sessions {
		if !sess.reporting() {
			continue
		}
		select {
		case sess.reports <- line:
		default:
		}
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.smu.Lock()
		full := len(s.sessions) >= s.cfg.MaxSessions
		s.smu.Unlock()
		if full {
			log.Printf("rejecting %s: session limit reached", conn.RemoteAddr())
			conn.Close()
			continue
		}
		go s.serve(conn)
	}
}

// watchdog catches a wedged event loop.  On hardware the independent
// watchdog resets the chip; here the stall hook decides.
func (s *Server) watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := atomic.LoadInt64(&s.lastTick)
			stall := time.Since(time.Unix(0, last))
			if stall > s.cfg.WatchdogTimeout {
				log.Printf("event loop stalled for %v", stall)
				if s.OnStall != nil {
					s.OnStall()
				}
				return
			}
		}
	}
}
