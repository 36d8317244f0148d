package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/careflow/scheduling-core/internal/notify"
)

// EventStreamHandler bridges the in-process dispatcher to websocket
// clients. Delivery is best effort: a client that falls behind or
// disconnects misses events and resynchronizes with a queue query. A
// disconnect releases the subscription immediately.
type EventStreamHandler struct {
	dispatcher *notify.Dispatcher
	log        zerolog.Logger
}

func NewEventStreamHandler(dispatcher *notify.Dispatcher, log zerolog.Logger) *EventStreamHandler {
	return &EventStreamHandler{dispatcher: dispatcher, log: log}
}

func (h *EventStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := uuid.Parse(r.URL.Query().Get("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_key", "key must be a provider or patient UUID")
		return
	}

	websocket.Handler(func(ws *websocket.Conn) {
		h.stream(ws, key)
	}).ServeHTTP(w, r)
}

func (h *EventStreamHandler) stream(ws *websocket.Conn, key uuid.UUID) {
	defer ws.Close()

	sub := h.dispatcher.Subscribe(key)
	defer sub.Unsubscribe()

	// Clients never send anything, so the read loop exists purely to notice
	// a disconnect. The request context does not fire for hijacked
	// connections, and without this a client for a quiet key would hold its
	// subscription forever.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var discard []byte
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Error().Err(err).Msg("marshal event")
				continue
			}
			if err := websocket.Message.Send(ws, string(payload)); err != nil {
				h.log.Debug().Err(err).
					Str("key", key.String()).
					Msg("event stream closed")
				return
			}
		}
	}
}
