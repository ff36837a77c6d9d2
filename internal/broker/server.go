package broker

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dashboards run cross-origin
}

// ClientHandler returns the http.HandlerFunc for the /ws endpoint.
func (h *Hub) ClientHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.lg.Printf("broker: /ws upgrade failed: %s", err)
			return
		}
		h.AcceptClient(ws)
	}
}

// GatewayHandler returns the http.HandlerFunc for the /gw endpoint.
func (h *Hub) GatewayHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.lg.Printf("broker: /gw upgrade failed: %s", err)
			return
		}
		h.AcceptGateway(ws)
	}
}
