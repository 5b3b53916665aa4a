package messaging

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"relay/cmd/identity"
)

// APIConfig tunes the HTTP API.
type APIConfig struct {
	MaxBodyBytes int64
	// SendPerMinute limits POST /send per user. Zero disables the limit.
	SendPerMinute int
	SendBurst     int
	TrustProxy    bool
}

// DefaultAPIConfig returns the production defaults.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		MaxBodyBytes:  16 << 10,
		SendPerMinute: 30,
		SendBurst:     30,
	}
}

type sendRequest struct {
	ReceiverID int64  `json:"receiverId" validate:"required,gt=0"`
	Content    string `json:"content" validate:"required,max=1000"`
}

type ctxKey int

const userKey ctxKey = iota

// UserFrom returns the authenticated user stored by the API middleware.
func UserFrom(ctx context.Context) (identity.User, bool) {
	u, ok := ctx.Value(userKey).(identity.User)
	return u, ok
}

// Handler serves the messaging HTTP API under /api/messages.
type Handler struct {
	log      *slog.Logger
	cfg      APIConfig
	svc      *Service
	verifier identity.Verifier
	validate *validator.Validate
	sends    *userLimiter
	now      func() time.Time
}

// NewHandler constructs a Handler. Every route requires a bearer credential accepted by verifier.
func NewHandler(log *slog.Logger, svc *Service, verifier identity.Verifier, cfg APIConfig) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultAPIConfig().MaxBodyBytes
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonFieldName)

	return &Handler{
		log:      log,
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		validate: validate,
		sends:    newUserLimiter(cfg.SendPerMinute, cfg.SendBurst),
		now:      time.Now,
	}
}

// Register wires the API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("POST /api/messages/send", h.authenticated(h.handleSend))
	mux.Handle("GET /api/messages/conversation/{receiverId}", h.authenticated(h.handleConversation))
	mux.Handle("GET /api/messages/conversations", h.authenticated(h.handleConversations))
	mux.Handle("GET /api/messages/unread", h.authenticated(h.handleUnread))
	mux.Handle("DELETE /api/messages/{messageId}", h.authenticated(h.handleDelete))
	mux.Handle("PATCH /api/messages/{messageId}/read", h.authenticated(h.handleMarkRead))
}

func (h *Handler) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := bearerCredential(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "no authorization header provided")
			return
		}

		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		user, err := h.verifier.Verify(r.Context(), cred, identity.Meta{
			ClientIP:  clientIP(r, h.cfg.TrustProxy),
			RequestID: requestID,
		})
		switch {
		case err == nil:
		case identity.IsInvalidCredential(err):
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		case identity.IsForbidden(err):
			writeError(w, http.StatusForbidden, "forbidden", "access denied")
			return
		default:
			h.log.Warn("api.auth.verify.fail", "request_id", requestID, "err", err)
			writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "authentication service unavailable")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	if !h.sends.Allow(user.ID, h.now()) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "message sending rate limit exceeded")
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	msg, err := h.svc.Send(r.Context(), user.ID, req.ReceiverID, req.Content)
	if err != nil {
		h.writeServiceError(w, "send", err)
		return
	}
	writeData(w, http.StatusCreated, "Message sent successfully", msg)
}

func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	peerID, ok := pathID(r, "receiverId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "receiverId must be a positive integer")
		return
	}
	msgs, err := h.svc.Conversation(r.Context(), user.ID, peerID)
	if err != nil {
		h.writeServiceError(w, "conversation", err)
		return
	}
	writeData(w, http.StatusOK, "Conversation retrieved successfully", msgs)
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	msgs, err := h.svc.Conversations(r.Context(), user.ID)
	if err != nil {
		h.writeServiceError(w, "conversations", err)
		return
	}
	writeData(w, http.StatusOK, "Conversations retrieved successfully", msgs)
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	msgs, err := h.svc.Unread(r.Context(), user.ID)
	if err != nil {
		h.writeServiceError(w, "unread", err)
		return
	}
	writeData(w, http.StatusOK, "Unread messages retrieved successfully", msgs)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id, ok := pathID(r, "messageId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "messageId must be a positive integer")
		return
	}
	if err := h.svc.Delete(r.Context(), id, user.ID); err != nil {
		h.writeServiceError(w, "delete", err)
		return
	}
	writeData(w, http.StatusOK, "Message deleted successfully", nil)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFrom(r.Context())
	id, ok := pathID(r, "messageId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "messageId must be a positive integer")
		return
	}
	if err := h.svc.MarkRead(r.Context(), id, user.ID); err != nil {
		h.writeServiceError(w, "mark_read", err)
		return
	}
	writeData(w, http.StatusOK, "Message marked as read", nil)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "message not found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to modify this message")
	default:
		h.log.Error("api.messages."+op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	case "gt":
		return fe.Field() + " must be a positive integer"
	default:
		return fe.Field() + " is invalid"
	}
}

func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func bearerCredential(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		h = strings.TrimSpace(h[7:])
	}
	return h, h != ""
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
