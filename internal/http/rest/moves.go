package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/seedbox_mover/internal/logctx"
	"github.com/italolelis/seedbox_mover/internal/storage"
)

// MovesHandler exposes the move ledger read-only.
type MovesHandler struct {
	repo    storage.MoveReadRepository
	servers []string
}

// NewMovesHandler creates a handler serving the records of the given servers.
func NewMovesHandler(repo storage.MoveReadRepository, servers []string) *MovesHandler {
	return &MovesHandler{
		repo:    repo,
		servers: servers,
	}
}

type movesResponse struct {
	Server string               `json:"server"`
	Moves  []storage.MoveRecord `json:"moves"`
}

func (h *MovesHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/servers", h.HandleListServers)
	r.Route("/servers/{server}", func(r chi.Router) {
		r.Use(h.knownServer)

		r.Get("/moves", h.HandleListMoves)
		r.Get("/moves/{hash}", h.HandleGetMove)
	})

	return r
}

func (h *MovesHandler) HandleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string][]string{"servers": h.servers})
}

func (h *MovesHandler) HandleListMoves(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	server := chi.URLParam(r, "server")

	moves, err := h.repo.ListMoves(r.Context(), server)
	if err != nil {
		logger.Error("failed to list moves", "server", server, "err", err)
		http.Error(w, "failed to list moves", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, http.StatusOK, movesResponse{Server: server, Moves: moves})
}

func (h *MovesHandler) HandleGetMove(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	server := chi.URLParam(r, "server")
	hash := chi.URLParam(r, "hash")

	record, err := h.repo.GetMove(r.Context(), server, hash)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "move not found", http.StatusNotFound)

		return
	}

	if err != nil {
		logger.Error("failed to get move", "server", server, "hash", hash, "err", err)
		http.Error(w, "failed to get move", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, http.StatusOK, record)
}

func (h *MovesHandler) knownServer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !slices.Contains(h.servers, chi.URLParam(r, "server")) {
			http.Error(w, "unknown server", http.StatusNotFound)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
