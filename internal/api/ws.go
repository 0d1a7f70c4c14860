package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/auth"
	"github.com/scanhub-io/scanhub/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /ws.
// Authentication uses a JWT passed as the `token` query parameter instead of
// the Authorization header — browsers cannot set custom headers on WebSocket
// connections opened via the native WebSocket API. When auth is disabled the
// parameter is ignored.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter: the "scans" firehose (every scan's lifecycle transitions) and
// per-scan "scan:<uuid>" channels. A connection with no explicit topics gets
// the firehose.
//
// Example connection URL:
//
//	ws://host/ws?token=<jwt>&topics=scan:uuid1,scan:uuid2
type WSHandler struct {
	hub    *websocket.Hub
	svc    *auth.Service
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, svc *auth.Service, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		svc:    svc,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /ws: validate the token, resolve the topic list,
// upgrade, then serve the connection. It does not return until the peer
// disconnects.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// The query-parameter token carries the same TTL as a Bearer token;
	// after expiry the client reconnects with a fresh one.
	if h.svc.Enabled() {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			ErrUnauthorized(w)
			return
		}
		if _, err := h.svc.ValidateToken(tokenStr); err != nil {
			ErrUnauthorized(w)
			return
		}
	}

	topics := resolveTopics(r)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader already wrote the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes; the client unregisters itself
	// from the hub on the way out.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics builds the topic list for a client connection from the
// comma-separated `topics` query parameter, deduplicated in order. Unknown
// topic strings are accepted — the client simply never receives messages for
// channels nothing publishes to. Without explicit topics the client gets the
// firehose.
func resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}

	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			add(t)
		}
	}
	if len(topics) == 0 {
		add(websocket.TopicScans)
	}

	return topics
}
