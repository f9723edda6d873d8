package realtime

import (
	"errors"
	"net/http"
	"strings"
	"time"

	ws "github.com/coder/websocket"
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Handler upgrades authenticated requests and streams the user's events.
// Browsers cannot set headers on a WebSocket handshake, so the token may
// also come from the access_token query parameter.
type Handler struct {
	hub            *Hub
	tokens         TokenValidator
	originPatterns []string
}

func NewHandler(hub *Hub, tokens TokenValidator, allowedHosts []string) *Handler {
	return &Handler{hub: hub, tokens: tokens, originPatterns: allowedHosts}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("access_token")
}

var errMissingToken = errors.New("missing token")

func (h *Handler) authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", errMissingToken
	}
	return h.tokens.Validate(token)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Server read and write timeouts would otherwise cut long-lived streams.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.hub.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	h.hub.logger.Debug("realtime client connected", "user_id", userID)
	NewClient(h.hub, conn, userID).Run(r.Context())
}
