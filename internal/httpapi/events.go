package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/notify"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 120 * time.Second
	streamPingPeriod = 30 * time.Second
)

// streamFilter narrows a connection to a set of event types. Empty means all.
type streamFilter struct {
	mu    sync.RWMutex
	types map[notify.EventType]struct{}
}

func (f *streamFilter) set(types []string) {
	next := make(map[notify.EventType]struct{}, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t != "" {
			next[notify.EventType(t)] = struct{}{}
		}
	}
	f.mu.Lock()
	f.types = next
	f.mu.Unlock()
}

func (f *streamFilter) allows(t notify.EventType) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.types) == 0 {
		return true
	}
	_, ok := f.types[t]
	return ok
}

type streamClientMessage struct {
	Type  string   `json:"type"`
	Types []string `json:"types"`
}

// handleEventsWS streams committed events for ?agent= (all agents when empty).
// Clients may send {"type":"subscribe","types":[...]} to filter by event type.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	agent := domain.NormalizeAgentName(r.URL.Query().Get("agent"))
	filter := &streamFilter{}
	if raw := r.URL.Query().Get("types"); raw != "" {
		filter.set(strings.Split(raw, ","))
	}

	events, unsubscribe := s.svc.Subscribe(agent)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					cancel()
					return
				}
			case evt, ok := <-events:
				if !ok {
					cancel()
					return
				}
				if !filter.allows(evt.Type) {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(evt); err != nil {
					s.metrics.ObserveStreamWrite("error")
					cancel()
					return
				}
				s.metrics.ObserveStreamWrite("ok")
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg streamClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("event stream: bad client message", "agent", agent, "error", err)
			continue
		}
		if strings.EqualFold(msg.Type, "subscribe") {
			filter.set(msg.Types)
		}
	}

	cancel()
	<-writerDone
}
