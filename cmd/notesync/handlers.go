package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/WessleyAI/notesync/engine/service"
)

// facade is the part of service.Service the handlers need.
type facade interface {
	Query(ctx context.Context, q domain.Query) (*domain.Answer, error)
	Health() service.Health
	Stats(ctx context.Context) (service.Stats, error)
}

// maxBodyBytes bounds the search request body.
const maxBodyBytes = 1 << 20

// SearchRequest is the JSON body for POST /api/search.
type SearchRequest struct {
	Text string `json:"text"`
	TopK *int   `json:"top_k,omitempty"`
}

// SearchResponse is the JSON response for POST /api/search.
type SearchResponse struct {
	Answer  string             `json:"answer"`
	Sources []domain.SearchHit `json:"sources"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func handleSearch(svc facade, defaultTopK int, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		q := domain.Query{Text: req.Text, TopK: defaultTopK}
		if req.TopK != nil {
			q.TopK = *req.TopK
		}

		answer, err := svc.Query(r.Context(), q)
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				logger.Error("search failed", "err", err, "status", status)
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, SearchResponse{Answer: answer.Text, Sources: answer.Sources})
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrGeneration):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrRetrieval):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func handleHealth(svc facade) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Health())
	}
}

func handleStats(svc facade, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats(r.Context())
		if err != nil {
			logger.Error("stats failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
