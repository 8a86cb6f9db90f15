package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Identity resolves the caller of an upgrade request. ok=false rejects it.
type Identity func(r *http.Request) (accountID string, admin bool, ok bool)

// Handler upgrades authenticated requests to websockets and streams hub
// events as JSON text frames. Clients only read; any frame they send is
// discarded apart from control frames.
type Handler struct {
	hub      *Hub
	identity Identity
	upgrader websocket.Upgrader
	log      *zerolog.Logger
}

func NewHandler(hub *Hub, identity Identity, logger *zerolog.Logger) *Handler {
	l := logger.With().Str("component", "RealtimeWS").Logger()
	return &Handler{
		hub:      hub,
		identity: identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// auth is a bearer token, not a cookie, so cross-origin is fine
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: &l,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID, admin, ok := h.identity(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := h.hub.Subscribe(accountID, admin)
	log := h.log.With().Str("account_id", accountID).Str("subscriber", sub.ID).Logger()
	log.Debug().Msg("client connected")

	done := make(chan struct{})
	go h.readLoop(conn, done)
	h.writeLoop(conn, sub, done)

	h.hub.Unsubscribe(sub)
	_ = conn.Close()
	log.Debug().Msg("client disconnected")
}

// readLoop keeps the pong deadline fresh and notices closed connections.
func (h *Handler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, sub *Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
