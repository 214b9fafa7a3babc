package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Envelope is the message sent to every WebSocket client.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Stamp   int64  `json:"stamp"` // Unix ms
}

// cborMode encodes envelopes deterministically; State and other
// TextMarshalers are sent as text.
var cborMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if cborMode, err = opts.EncMode(); err != nil {
		panic("server: CBOR encoder initialization failed: " + err.Error())
	}
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	binary bool // CBOR frames instead of JSON text
}

// Hub broadcasts live events to WebSocket clients. Publish never blocks;
// a client whose queue is full misses the event.
type Hub struct {
	log zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	skipped  atomic.Uint64
}

// NewHub creates an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish sends one event to every client.
func (h *Hub) Publish(event string, payload any) error {
	env := Envelope{Event: event, Payload: payload, Stamp: time.Now().UnixMilli()}

	var text, bin []byte
	var err error

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for client := range h.clients {
		var data []byte
		if client.binary {
			if bin == nil {
				if bin, err = cborMode.Marshal(env); err != nil {
					return err
				}
			}
			data = bin
		} else {
			if text == nil {
				if text, err = json.Marshal(env); err != nil {
					return err
				}
			}
			data = text
		}
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
			h.skipped.Add(1)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Skipped counts events dropped for slow clients.
func (h *Hub) Skipped() uint64 { return h.skipped.Load() }

// ServeHTTP upgrades the request. ?encoding=cbor selects binary frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade error")
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 64),
		binary: r.URL.Query().Get("encoding") == "cbor",
	}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()

	h.log.Info().Int("clients", n).Bool("cbor", client.binary).Msg("client connected")

	msgType := websocket.TextMessage
	if client.binary {
		msgType = websocket.BinaryMessage
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(msgType, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, client)
			n := len(h.clients)
			h.clientsMu.Unlock()
			close(client.send)
			h.log.Info().Int("clients", n).Msg("client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
