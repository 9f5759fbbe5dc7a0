package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	signups     atomic.Uint64
	logins      atomic.Uint64
	joins       atomic.Uint64
	relayed     atomic.Uint64
	stored      atomic.Uint64
	rejected    atomic.Uint64
	activeConns atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncJoin() {
	m.joins.Add(1)
}

// IncRelayed counts messages fanned out to a room.
func (m *Metrics) IncRelayed() {
	m.relayed.Add(1)
}

// IncStored counts messages accepted over the REST api.
func (m *Metrics) IncStored() {
	m.stored.Add(1)
}

// IncRejected counts sends refused because the chat was disabled or the
// message was never saved.
func (m *Metrics) IncRejected() {
	m.rejected.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

// Snapshot returns the counters keyed the same way the handler reports them.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"signups_total":      m.signups.Load(),
		"logins_total":       m.logins.Load(),
		"joins_total":        m.joins.Load(),
		"messages_relayed":   m.relayed.Load(),
		"messages_stored":    m.stored.Load(),
		"messages_rejected":  m.rejected.Load(),
		"active_connections": m.activeConns.Load(),
	}
}

// MetricsHandler reports the counters together with live room and user gauges.
func (s *Server) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	payload := s.metrics.Snapshot()
	payload["active_rooms"] = s.hub.RoomCount()
	payload["online_users"] = s.presence.ActiveCount()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
