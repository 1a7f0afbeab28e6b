package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/services/streaming"
)

// EventsHandler streams session, node, and operation events over WebSocket.
type EventsHandler struct {
	events   *streaming.Service
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewEventsHandler creates the observer event stream handler.
func NewEventsHandler(events *streaming.Service, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin policy is enforced by the CORS layer in front.
				return true
			},
		},
		logger: logger.Named("events"),
	}
}

// wsEvent is the wire form of one streamed event.
type wsEvent struct {
	Type       string      `json:"type"`
	ResourceID string      `json:"resource_id"`
	Resource   interface{} `json:"resource,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ServeHTTP upgrades the connection and forwards matching events until the
// client disconnects. Filters come from query parameters: resource_type,
// resource_id, node_id, and a comma-separated event_types list.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := streaming.SubscriptionFilter{
		ResourceType: r.URL.Query().Get("resource_type"),
		ResourceID:   r.URL.Query().Get("resource_id"),
		NodeID:       r.URL.Query().Get("node_id"),
	}
	if types := r.URL.Query().Get("event_types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.EventTypes = append(filter.EventTypes, streaming.EventType(strings.TrimSpace(t)))
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, err := h.events.Subscribe(r.Context(), filter)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"))
		return
	}
	defer h.events.Unsubscribe(sub.ID)

	h.logger.Debug("Event stream connected",
		zap.String("subscription_id", sub.ID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Drain client reads so control frames are processed; clients never
	// send data on this stream.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			msg := wsEvent{
				Type:       string(event.Type),
				ResourceID: event.ResourceID,
				Resource:   event.Resource,
				Timestamp:  event.Timestamp,
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("Event stream write failed, closing",
					zap.String("subscription_id", sub.ID),
					zap.Error(err),
				)
				return
			}
		}
	}
}
