// Package api exposes the subject control surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cyclearb/internal/arbitrage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller starts, stops and inspects subject loops.
type Controller interface {
	Start(ctx context.Context, subjectID string, notional float64) error
	Stop(ctx context.Context, subjectID string) error
	Status(ctx context.Context, subjectID string) (arbitrage.SubjectStatus, error)
}

// Handler serves the control routes.
type Handler struct {
	ctrl   Controller
	logger *slog.Logger
}

func NewHandler(ctrl Controller, logger *slog.Logger) *Handler {
	return &Handler{ctrl: ctrl, logger: logger}
}

// Router mounts the subject routes together with health and metrics endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/subjects/{id}", func(r chi.Router) {
		r.Get("/", h.status)
		r.Post("/start", h.start)
		r.Post("/stop", h.stop)
	})
	return r
}

type startRequest struct {
	Notional float64 `json:"notional"`
}

type response struct {
	Status  string                   `json:"status"`
	Subject *arbitrage.SubjectStatus `json:"subject,omitempty"`
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, arbitrage.ErrInvalidAmount.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.ctrl.Start(r.Context(), id, req.Notional); err != nil {
		h.writeError(w, id, "start", err)
		return
	}
	writeStatus(w, http.StatusOK, "ok")
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ctrl.Stop(r.Context(), id); err != nil {
		h.writeError(w, id, "stop", err)
		return
	}
	writeStatus(w, http.StatusOK, "ok")
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.ctrl.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, id, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok", Subject: &st})
}

// errorCodes maps control outcomes to HTTP statuses. The body carries the sentinel's text.
var errorCodes = []struct {
	err  error
	code int
}{
	{arbitrage.ErrInvalidAmount, http.StatusBadRequest},
	{arbitrage.ErrNotFound, http.StatusNotFound},
	{arbitrage.ErrCredentialsInvalid, http.StatusUnprocessableEntity},
	{arbitrage.ErrAlreadyRunning, http.StatusConflict},
	{arbitrage.ErrNotRunning, http.StatusConflict},
}

func (h *Handler) writeError(w http.ResponseWriter, subjectID, op string, err error) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			h.logger.Info("Control request rejected", "op", op, "subject", subjectID, "error", err)
			writeStatus(w, ec.code, ec.err.Error())
			return
		}
	}
	h.logger.Error("Control request failed", "op", op, "subject", subjectID, "error", err)
	writeStatus(w, http.StatusInternalServerError, "internal_error")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	writeJSON(w, code, response{Status: status})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
