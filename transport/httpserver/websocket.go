package httpserver

import (
	"net/http"

	gorilla "github.com/gorilla/websocket"

	wstransport "github.com/asap-project/asap-go/transport/websocket"
)

var wsUpgrader = gorilla.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS upgrades GET /asap/ws to a WebSocket connection and runs the
// per-connection handler (§4.10/§4.11) for its lifetime. The handshake is
// not authenticated, even when the server has an Authenticator, and
// envelopes received on the connection go straight to the handler pool
// without passing through the validation pipeline.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed")
		return
	}
	wstransport.Serve(ws, s.pool, wstransport.ServerConfig{}, s.wsConns)
}

// Shutdown closes every active server-side WebSocket connection with
// close code 1001 ("Server shutting down"), per §4.11 and §5's shutdown
// ordering, ahead of an ordinary http.Server.Shutdown.
func (s *Server) Shutdown() {
	if s.wsConns != nil {
		s.wsConns.CloseAll()
	}
}
