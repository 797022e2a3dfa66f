// Package trigger exposes the send pipeline over HTTP.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/International-Combat-Archery-Alliance/gmailer"
	"github.com/International-Combat-Archery-Alliance/gmailer/internal/logger"
)

// Sender runs one send and waits for its outcome.
type Sender interface {
	Send(ctx context.Context, msg gmailer.OutgoingMessage) (gmailer.SendResult, error)
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	Status   string   `json:"status"`
	ID       string   `json:"id,omitempty"`
	ThreadID string   `json:"thread_id,omitempty"`
	LabelIDs []string `json:"label_ids,omitempty"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Fault   string `json:"fault,omitempty"`
	Message string `json:"message"`
}

// maxBody bounds the JSON payload of POST /send.
const maxBody = 1 << 20

type Handler struct {
	sender   Sender
	defaults gmailer.OutgoingMessage
	logger   *slog.Logger
}

// RequestIDExtractor adds chi's request id to log records.
func RequestIDExtractor(ctx context.Context) (slog.Attr, bool) {
	id := middleware.GetReqID(ctx)
	if id == "" {
		return slog.Attr{}, false
	}
	return slog.String("request_id", id), true
}

// NewRouter mounts /send and /healthz, plus metrics when it is non-nil.
func NewRouter(sender Sender, defaults gmailer.OutgoingMessage, log *slog.Logger, metrics http.Handler) http.Handler {
	if log == nil {
		log = logger.NewNope()
	}
	h := &Handler{sender: sender, defaults: defaults, logger: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/send", h.send)
	r.Post("/send", h.send)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if r.Method == http.MethodPost {
		err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			h.fail(w, r, gmailer.NewValidationError("request body is not valid JSON", err))
			return
		}
	}

	msg := gmailer.OutgoingMessage{
		From:    req.From,
		To:      req.To,
		Subject: req.Subject,
		Body:    req.Body,
	}.WithDefaults(h.defaults)

	if err := msg.Validate(); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.sender.Send(r.Context(), msg)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Status:   "sent",
		ID:       res.ID,
		ThreadID: res.ThreadID,
		LabelIDs: res.LabelIDs,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	reason, _ := gmailer.ReasonOf(err)

	h.logger.WarnContext(r.Context(), "send request failed",
		slog.Int("status", status),
		slog.Any("error", err))

	message := http.StatusText(status)
	var gerr *gmailer.Error
	if errors.As(err, &gerr) {
		message = gerr.Message
	}

	writeJSON(w, status, errorResponse{
		Status:  "failed",
		Reason:  string(reason),
		Fault:   string(gmailer.FaultOf(err)),
		Message: message,
	})
}

// StatusFor maps a pipeline error to an HTTP status. It never returns 200.
func StatusFor(err error) int {
	reason, ok := gmailer.ReasonOf(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch reason {
	case gmailer.REASON_VALIDATION:
		return http.StatusBadRequest
	case gmailer.REASON_TOKEN_EXPIRED, gmailer.REASON_AUTH_EXCHANGE:
		return http.StatusUnauthorized
	case gmailer.REASON_TRANSMIT:
		switch gmailer.FaultOf(err) {
		case gmailer.FAULT_QUOTA:
			return http.StatusTooManyRequests
		case gmailer.FAULT_AUTH:
			return http.StatusUnauthorized
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
