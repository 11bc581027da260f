package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/listen"
)

// ListenHandler upgrades live and backward-sync websocket connections.
type ListenHandler struct {
	svc       *listen.Service
	publisher listen.Publisher
	base      context.Context
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewListenHandler serves sessions until base is done; sessions still
// running then are closed with going-away.
func NewListenHandler(base context.Context, svc *listen.Service, publisher listen.Publisher, log zerolog.Logger) *ListenHandler {
	if base == nil {
		base = context.Background()
	}
	return &ListenHandler{
		svc:       svc,
		publisher: publisher,
		base:      base,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			// Clients are native apps without a meaningful Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With().Str("handler", "listen").Logger(),
	}
}

// Routes registers the websocket endpoints.
func (h *ListenHandler) Routes(r chi.Router) {
	r.Get("/listen", h.Listen)
	r.Get("/listen/backward", h.Backward)
}

// sessionContext lives until the client request ends or the server
// shuts down.
func (h *ListenHandler) sessionContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(h.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Listen handles GET /v2/listen.
func (h *ListenHandler) Listen(w http.ResponseWriter, r *http.Request) {
	p, err := listen.ParseParams(r.URL.Query())
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hlogWarn(r, err, "websocket upgrade failed")
		return
	}
	conn := listen.NewWebsocketConn(ws)

	ctx, cancel := h.sessionContext(r)
	defer cancel()

	s, err := h.svc.Open(ctx, p, conn)
	if err != nil {
		h.log.Error().Err(err).Str("uid", p.UID).Msg("session open failed")
		conn.Close(websocket.CloseInternalServerErr, "session open failed")
		return
	}
	s.Run(ctx)
}

// Backward handles GET /v2/listen/backward.
func (h *ListenHandler) Backward(w http.ResponseWriter, r *http.Request) {
	p, err := listen.ParseBackwardParams(r.URL.Query())
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hlogWarn(r, err, "websocket upgrade failed")
		return
	}
	conn := listen.NewWebsocketConn(ws)

	ctx, cancel := h.sessionContext(r)
	defer cancel()

	log := h.log.With().Str("uid", p.UID).Int("files", len(p.FileNames)).Logger()
	sink := listen.NewEventSink(p.UID, conn, h.publisher, log)
	if err := listen.RunBackward(ctx, conn, p.FileNames, sink, log); err != nil {
		log.Warn().Err(err).Msg("backward sync ended with error")
	}
}
