package server

import (
	"io"
	"log"
	"sync/atomic"

	"tecpak/command"
)

// session is one command connection, TCP or serial.
type session struct {
	rw      io.ReadWriteCloser
	state   *command.Session
	reports chan string
	reportF int32 // mirror of state.ReportMode, readable off-lock
}

// inputLine is one assembled line, or an overlong-discard marker.
type inputLine struct {
	text     string
	overlong bool
}

func (sess *session) reporting() bool {
	return atomic.LoadInt32(&sess.reportF) != 0
}

func (sess *session) syncReportMode() {
	var f int32
	if sess.state.ReportMode {
		f = 1
	}
	atomic.StoreInt32(&sess.reportF, f)
}

// Serve runs the command protocol over an arbitrary byte stream; the
// daemon uses it for the serial console.  Blocks until the peer closes,
// quit is received, or the stream errors.
func (s *Server) Serve(rw io.ReadWriteCloser) {
	sess := &session{
		rw:      rw,
		state:   &command.Session{},
		reports: make(chan string, 16),
	}
	s.smu.Lock()
	s.sessions[sess] = true
	s.smu.Unlock()
	defer func() {
		s.smu.Lock()
		delete(s.sessions, sess)
		s.smu.Unlock()
		rw.Close()
	}()

	// done unblocks the reader if Serve returns while it still holds an
	// assembled line, e.g. report text pipelined after quit
	done := make(chan struct{})
	defer close(done)
	lines := make(chan inputLine)
	go readLines(rw, s.cfg.MaxLineLen, lines, done)

	for {
		select {
		case in, ok := <-lines:
			if !ok {
				return
			}
			var out []string
			if in.overlong {
				out = []string{`{"error":"InvalidCommand"}`}
			} else {
				s.mu.Lock()
				out = s.disp.Dispatch(in.text, sess.state)
				s.mu.Unlock()
			}
			sess.syncReportMode()
			for _, line := range out {
				if err := writeLine(rw, line); err != nil {
					return
				}
			}
			if sess.state.Quit {
				return
			}
		case rep := <-sess.reports:
			if err := writeLine(rw, rep); err != nil {
				return
			}
		}
	}
}

func (s *Server) serve(conn io.ReadWriteCloser) {
	s.Serve(conn)
}

func writeLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")
	return err
}

// readLines assembles newline-terminated commands.  Carriage returns and
// telnet negotiation bytes are dropped, lines past the bound are discarded
// to the next newline and flagged, and the channel closes on stream end.
// done abandons any pending send, so the goroutine exits even when the
// session stops consuming mid-buffer.
func readLines(r io.Reader, maxLen int, out chan<- inputLine, done <-chan struct{}) {
	defer close(out)
	emit := func(in inputLine) bool {
		select {
		case out <- in:
			return true
		case <-done:
			return false
		}
	}
	buf := make([]byte, 256)
	line := make([]byte, 0, maxLen)
	discarding := false
	iac := 0 // bytes of a telnet negotiation sequence left to skip
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if iac > 0 {
				// WILL/WONT/DO/DONT carry one option byte
				if iac == 2 && b >= 0xFB && b <= 0xFE {
					iac = 1
				} else {
					iac = 0
				}
				continue
			}
			switch {
			case b == 0xFF:
				iac = 2
			case b == '\n':
				if discarding {
					if !emit(inputLine{overlong: true}) {
						return
					}
				} else if len(line) > 0 {
					if !emit(inputLine{text: string(line)}) {
						return
					}
				}
				line = line[:0]
				discarding = false
			case discarding:
			case b == '\r':
			default:
				if len(line) == maxLen {
					discarding = true
					line = line[:0]
					continue
				}
				line = append(line, b)
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("session read: %v", err)
			}
			return
		}
	}
}
