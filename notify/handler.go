package notify

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-billing/billing"
)

const maxBodyBytes = 64 << 10

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// pushEnvelope is the body of a Pub/Sub push delivery.
type pushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Handler is the HTTP surface hosts and Google Play talk to.
type Handler struct {
	log         *zap.Logger
	notifier    Notifier
	results     ResultSink
	packageName string
}

// NewHandler returns a Handler. Notifications for other packages are
// acknowledged and dropped when packageName is set.
func NewHandler(log *zap.Logger, notifier Notifier, results ResultSink, packageName string) *Handler {
	return &Handler{
		log:         log,
		notifier:    notifier,
		results:     results,
		packageName: packageName,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Post("/notifications", h.Notification)
	r.Post("/purchases/{requestCode}/result", h.PurchaseResult)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Notification accepts a Pub/Sub push carrying a developer notification.
func (h *Handler) Notification(w http.ResponseWriter, r *http.Request) {
	var envelope pushEnvelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&envelope); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "VALIDATION_ERROR", Message: "invalid push envelope"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "VALIDATION_ERROR", Message: "invalid message data"})
		return
	}

	n, err := ParseDeveloperNotification(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "VALIDATION_ERROR", Message: "invalid developer notification"})
		return
	}

	log := h.log.With(zap.String("message_id", envelope.Message.MessageID))

	if n.IsTest() {
		log.Info("Received test notification")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if h.packageName != "" && n.PackageName != h.packageName {
		log.Debug("Dropping notification for another package", zap.String("package", n.PackageName))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.notifier.Notify(r.Context(), n); err != nil {
		log.Warn("Failed to deliver purchase notification", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, apiError{Code: "INTERNAL_ERROR", Message: "failed to deliver notification"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PurchaseResult forwards the outcome of a purchase flow. The body is the
// external result payload; the host's result code is read from the
// resultCode query parameter and defaults to billing.HostResultOK.
func (h *Handler) PurchaseResult(w http.ResponseWriter, r *http.Request) {
	requestCode, err := strconv.Atoi(chi.URLParam(r, "requestCode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "VALIDATION_ERROR", Message: "invalid request code"})
		return
	}

	resultCode := billing.HostResultOK
	if raw := r.URL.Query().Get("resultCode"); raw != "" {
		if resultCode, err = strconv.Atoi(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Code: "VALIDATION_ERROR", Message: "invalid result code"})
			return
		}
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Code: "VALIDATION_ERROR", Message: "unreadable body"})
		return
	}

	if !h.results.HandleExternalResult(requestCode, resultCode, payload) {
		writeJSON(w, http.StatusNotFound, apiError{Code: "NOT_FOUND", Message: "no purchase flow for request code"})
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
