package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/metrics"
)

const (
	// pingInterval is how often the server pings the client.
	pingInterval = 30 * time.Second
	// pongWait is how long to wait for a pong before dropping the client.
	pongWait = 90 * time.Second
	// writeWait bounds each outbound frame.
	writeWait = 10 * time.Second
)

// upgrader accepts all origins. Dashboards and tooling connect from
// wherever the operator runs them.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// droppedNotice tells a slow client how many events the bus shed from its
// queue since the last report.
type droppedNotice struct {
	Type      string    `json:"type"`
	Dropped   int64     `json:"dropped"`
	Timestamp time.Time `json:"timestamp"`
}

// parseTopics splits a comma-separated topics filter. Empty means all.
func parseTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// topicMatch reports whether an event type passes the filter. Entries
// match exactly or as a dotted prefix, so "run" covers "run.started".
func topicMatch(topics []string, eventType string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if eventType == t || strings.HasPrefix(eventType, t+".") {
			return true
		}
	}
	return false
}

// handleEventStream upgrades the connection and forwards bus events that
// pass the session's topic filter until either side goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	session := r.PathValue("session_id")
	if session == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	topics := parseTopics(r.URL.Query().Get("topics"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed",
			zap.String("session", session),
			zap.Error(err),
		)
		return
	}

	// Duplicate session ids must not evict each other's subscription.
	key := session + "-" + uuid.NewString()[:8]
	sub := s.bus.Subscribe(key)
	s.logger.Info("event stream opened",
		zap.String("session", session),
		zap.Strings("topics", topics),
	)
	defer func() {
		s.bus.Unsubscribe(key)
		conn.Close()
		s.logger.Info("event stream closed", zap.String("session", session))
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Clients send no data frames; the read pump only services pongs and
	// surfaces disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var reported int64
	reportDrops := func() error {
		total := s.bus.Dropped(key)
		if total <= reported {
			return nil
		}
		delta := total - reported
		reported = total
		metrics.EventsDroppedTotal.Add(float64(delta))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(droppedNotice{
			Type:      "events_dropped",
			Dropped:   delta,
			Timestamp: time.Now().UTC(),
		})
	}

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if !topicMatch(topics, string(ev.Type)) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if err := reportDrops(); err != nil {
				return
			}
		case <-ticker.C:
			if err := reportDrops(); err != nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
