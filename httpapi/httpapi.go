// Package httpapi exposes a read-only JSON status surface over HTTP for
// dashboards and scripts that only need telemetry, leaving the TCP line
// protocol as the sole mutation path.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"goji.io"
	"goji.io/pat"

	"tecpak/channels"
	"tecpak/config"
	"tecpak/fanctrl"
	"tecpak/hwrev"
)

// StatusServer wraps the machine state in HTTP handlers.
type StatusServer struct {
	// Channels is the machine; reads go through Mu
	Channels *channels.Channels

	// Fan may be nil on boards without one
	Fan *fanctrl.Controller

	Rev hwrev.Revision
	Net *config.IPv4

	// Mu is the event loop's machine lock
	Mu sync.Locker

	// RouteTable holds the map of patterns and routes
	RouteTable map[goji.Pattern]http.HandlerFunc
}

// New populates the route table.
func New(cs *channels.Channels, fan *fanctrl.Controller, rev hwrev.Revision, net *config.IPv4, mu sync.Locker) *StatusServer {
	s := &StatusServer{Channels: cs, Fan: fan, Rev: rev, Net: net, Mu: mu}
	s.RouteTable = map[goji.Pattern]http.HandlerFunc{
		pat.Get("/report"):          s.GetReports,
		pat.Get("/report/:channel"): s.GetReport,
		pat.Get("/fan"):             s.GetFan,
		pat.Get("/hwrev"):           s.GetHwRev,
		pat.Get("/net"):             s.GetNet,
	}
	return s
}

// Mux assembles the routes into a goji mux.
func (s *StatusServer) Mux() *goji.Mux {
	mux := goji.NewMux()
	for p, h := range s.RouteTable {
		mux.HandleFunc(p, h)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetReports returns the telemetry of both channels.
func (s *StatusServer) GetReports(w http.ResponseWriter, r *http.Request) {
	out := make([]channels.Report, channels.Count)
	s.Mu.Lock()
	for i := range out {
		out[i] = s.Channels.Report(i)
	}
	s.Mu.Unlock()
	writeJSON(w, out)
}

// GetReport returns the telemetry of one channel.
func (s *StatusServer) GetReport(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(pat.Param(r, "channel"))
	if err != nil || ch < 0 || ch >= channels.Count {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	s.Mu.Lock()
	rep := s.Channels.Report(ch)
	s.Mu.Unlock()
	writeJSON(w, rep)
}

// GetFan returns the fan summary, or null when no fan is fitted.
func (s *StatusServer) GetFan(w http.ResponseWriter, r *http.Request) {
	var sum *fanctrl.Summary
	if s.Fan != nil {
		s.Mu.Lock()
		sum = s.Fan.Summarize()
		s.Mu.Unlock()
	}
	writeJSON(w, sum)
}

// GetHwRev returns the detected revision and its capabilities.
func (s *StatusServer) GetHwRev(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"rev":      s.Rev,
		"settings": s.Rev.Settings(),
	})
}

// GetNet returns the configured network identity.
func (s *StatusServer) GetNet(w http.ResponseWriter, r *http.Request) {
	s.Mu.Lock()
	net := *s.Net
	s.Mu.Unlock()
	writeJSON(w, net)
}
