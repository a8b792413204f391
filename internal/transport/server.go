// HTTP-facing surface of the gateway: the WebSocket upgrade endpoint,
// the request/reply HTTP injection endpoint, and the liveness probe.
// The server knows nothing about routing or policy; it hands channels
// and injected envelopes to the Handler and maps rejections to HTTP
// status codes.

package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler is the gateway-side contract the server delivers traffic to.
type Handler interface {
	// ServeChannel runs the connection lifecycle for one channel,
	// blocking until the channel closes.
	ServeChannel(ctx context.Context, ch Channel)

	// Inject processes a single envelope submitted over HTTP on behalf
	// of participantID. The body is the raw envelope (minus from, ts and
	// protocol, which the gateway stamps). A nil return means accepted.
	Inject(participantID, token string, body []byte) *Rejection
}

// Rejection maps a policy, auth or shape failure to an HTTP response.
type Rejection struct {
	Status  int    // HTTP status code
	Code    string // stable machine-readable code
	Message string // human-readable reason
}

func (r *Rejection) Error() string { return r.Message }

// Server hosts the gateway's HTTP listener.
type Server struct {
	handler  Handler
	log      zerolog.Logger
	space    string
	maxBytes int64

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the HTTP surface. maxBytes bounds injected request
// bodies; it should match the gateway's envelope size limit.
func NewServer(handler Handler, space string, maxBytes int, log zerolog.Logger) *Server {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	s := &Server{
		handler:  handler,
		log:      log,
		space:    space,
		maxBytes: int64(maxBytes),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Participants are authenticated by token at join time, not
			// by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := chi.NewRouter()
	router.Get("/health", s.handleHealth)
	router.Get("/ws", s.handleWebSocket)
	router.Post("/participants/{id}/messages", s.handleInject)

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve accepts connections on the listener until ctx is cancelled.
//
// Called by: cmd/gateway
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	err := s.httpServer.Serve(listener)
	if err == http.ErrServerClosed || ctx.Err() != nil {
		return nil
	}
	return err
}

// handleHealth is the liveness probe for the outer lifecycle CLI.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"space":  s.space,
	})
}

// handleWebSocket upgrades the connection and hands the resulting
// channel to the gateway for its full lifecycle.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	bearer := bearerFromHeader(r.Header.Get("Authorization"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	ch := NewWebSocketChannel(conn, bearer)
	s.handler.ServeChannel(r.Context(), ch)
}

// handleInject accepts one envelope over HTTP on behalf of a
// participant. 2xx means the envelope entered the routing pipeline; 4xx
// carries a textual reason.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "id")
	token := bearerFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.maxBytes {
		http.Error(w, "envelope too large", http.StatusRequestEntityTooLarge)
		return
	}

	if rejection := s.handler.Inject(participantID, token, body); rejection != nil {
		http.Error(w, rejection.Message, rejection.Status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
