package websocket

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/dennisdiepolder/docqueue/backend/internal/auth"
	"github.com/dennisdiepolder/docqueue/backend/internal/config"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler handles WebSocket upgrade requests.
//
// Query parameters:
//
//	channels   comma separated subscriptions, DefaultChannels when empty
//	client_id  stable id used for acks and resync across reconnects
//	last_seq   last sequence the client applied; triggers a resync
type Handler struct {
	hub      *Hub
	syncer   Syncer
	config   *config.Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, syncer Syncer, cfg *config.Config, logger zerolog.Logger) *Handler {
	h := &Handler{
		hub:    hub,
		syncer: syncer,
		config: cfg,
		logger: logger.With().Str("component", "websocket_handler").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.logger.Warn().Str("origin", origin).Msg("rejected websocket origin")
	return false
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var lastSeq uint64
	resync := false
	if raw := query.Get("last_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid last_seq", http.StatusBadRequest)
			return
		}
		lastSeq, resync = n, true
	}

	clientID := query.Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	channels := DefaultChannels
	if raw := query.Get("channels"); raw != "" {
		channels = strings.Split(raw, ",")
	}

	claims, _ := auth.GetUserFromContext(r.Context())

	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	// Create new client
	client := NewClient(clientID, h.hub, conn, h.syncer, h.config, claims, h.logger)
	if denied := client.Subscribe(channels); len(denied) > 0 {
		h.logger.Warn().Strs("channels", denied).Str("client_id", clientID).Msg("subscription denied")
	}

	// Register client with hub
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	// Start client pumps
	client.Start()

	if resync {
		client.resync(lastSeq)
	} else {
		client.sendSubscribed()
	}
}
