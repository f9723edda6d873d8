package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"quotepush/internal/domain/notification"
)

type NotificationHandler struct {
	service        *notification.Service
	vapidPublicKey string
	logger         *slog.Logger
}

// NewNotificationHandler creates the push and device handler. An empty
// vapidPublicKey means web push is not configured.
func NewNotificationHandler(service *notification.Service, vapidPublicKey string, logger *slog.Logger) *NotificationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationHandler{
		service:        service,
		vapidPublicKey: vapidPublicKey,
		logger:         logger.With("component", "http.notification"),
	}
}

// --- Request/Response types ---

type subscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// browserSubscription is the JSON form of a browser PushSubscription.
type browserSubscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     subscriptionKeys `json:"keys"`
}

type RegisterDeviceRequest struct {
	Kind         string               `json:"kind"`
	Token        string               `json:"token"`
	P256dh       string               `json:"p256dh"`
	Auth         string               `json:"auth"`
	APNSToken    string               `json:"apns_token"`
	Subscription *browserSubscription `json:"subscription"`
	DeviceInfo   map[string]string    `json:"device_info"`
}

func (req RegisterDeviceRequest) params(userID string) (notification.RegisterParams, error) {
	p := notification.RegisterParams{
		UserID:     userID,
		Token:      req.Token,
		P256dh:     req.P256dh,
		Auth:       req.Auth,
		APNSToken:  req.APNSToken,
		DeviceInfo: req.DeviceInfo,
	}

	if req.Kind == "" && req.Subscription != nil {
		req.Kind = string(notification.KindWebPush)
	}
	kind, err := notification.ParseKind(req.Kind)
	if err != nil {
		return p, err
	}
	p.Kind = kind

	if sub := req.Subscription; sub != nil {
		p.Token = sub.Endpoint
		p.P256dh = sub.Keys.P256dh
		p.Auth = sub.Keys.Auth
	}
	return p, nil
}

type UnsubscribeRequest struct {
	Kind  string `json:"kind"`
	Token string `json:"token"`
}

// SendRequest is the body of the dispatch endpoints. Data values may be any
// JSON type; non-strings are JSON encoded before delivery.
type SendRequest struct {
	UserIDs       []string                       `json:"user_ids"`
	Tokens        []string                       `json:"tokens"`
	Subscriptions []notification.WebSubscription `json:"subscriptions"`
	Notification  notification.Payload           `json:"notification"`
	Data          map[string]any                 `json:"data"`
	QuoteData     *notification.QuoteData        `json:"quote_data"`
}

func (req SendRequest) dispatchRequest(kinds []notification.Kind) notification.DispatchRequest {
	return notification.DispatchRequest{
		UserIDs:       req.UserIDs,
		Tokens:        req.Tokens,
		Subscriptions: req.Subscriptions,
		Kinds:         kinds,
		Notification:  req.Notification,
		Data:          notification.StringifyData(req.Data),
		QuoteData:     req.QuoteData,
	}
}

// --- Handlers ---

// HandleSend handles POST /api/push/send across every configured channel.
func (h *NotificationHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	h.send(w, r, nil)
}

// HandleSendKind handles POST /api/push/{kind}/send.
func (h *NotificationHandler) HandleSendKind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	kind, err := notification.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !h.service.HasChannel(kind) {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s %s", kind, notification.ErrChannelNotConfigured))
		return
	}
	h.send(w, r, []notification.Kind{kind})
}

func (h *NotificationHandler) send(w http.ResponseWriter, r *http.Request, kinds []notification.Kind) {
	var req SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.Dispatch(r.Context(), req.dispatchRequest(kinds))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, notification.ErrNoRecipients):
		writeJSON(w, http.StatusBadRequest, result)
	case errors.Is(err, notification.ErrInvalidPayload), errors.Is(err, notification.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// HandleDevices handles POST, GET and DELETE /api/devices for the caller.
func (h *NotificationHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handleRegisterDevice(w, r, userID)
	case http.MethodGet:
		h.handleListDevices(w, r, userID)
	case http.MethodDelete:
		h.handleUnsubscribe(w, r, userID)
	default:
		methodNotAllowed(w)
	}
}

func (h *NotificationHandler) handleRegisterDevice(w http.ResponseWriter, r *http.Request, userID string) {
	var req RegisterDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	params, err := req.params(userID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := h.service.RegisterDevice(r.Context(), params)
	if err != nil {
		if isDeviceValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to register device", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"device":  token,
	})
}

func (h *NotificationHandler) handleListDevices(w http.ResponseWriter, r *http.Request, userID string) {
	tokens, err := h.service.ListDevices(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list devices", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if tokens == nil {
		tokens = []*notification.DeviceToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"devices": tokens,
	})
}

func (h *NotificationHandler) handleUnsubscribe(w http.ResponseWriter, r *http.Request, userID string) {
	var req UnsubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind, err := notification.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.service.Unsubscribe(r.Context(), userID, kind, req.Token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, notification.ErrDeviceTokenNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case isDeviceValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("failed to unsubscribe device", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe device")
	}
}

// HandleVAPIDPublicKey handles GET /api/push/vapid-public-key.
func (h *NotificationHandler) HandleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.vapidPublicKey == "" {
		writeError(w, http.StatusNotFound, "web push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidPublicKey})
}

func isDeviceValidationError(err error) bool {
	return errors.Is(err, notification.ErrInvalidKind) ||
		errors.Is(err, notification.ErrInvalidToken) ||
		errors.Is(err, notification.ErrInvalidUserID) ||
		errors.Is(err, notification.ErrMissingSubscriptionKeys)
}
