package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler routes the chat and media sockets plus a small JSON inspection
// API.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(g.options.ChatPath, g.handleWebSocket(peerKindChat))
	r.Get(g.options.MediaPath, g.handleWebSocket(peerKindMedia))

	r.Get("/healthz", g.HandleHealth)
	r.Get("/peers", g.HandlePeers)
	r.Get("/peers/{id}", g.HandlePeerDetail)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (g *Gateway) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"peers":  g.registry.Len(),
		"uptime": g.clock.Now().Sub(g.started).Round(time.Second).String(),
	})
}

func (g *Gateway) HandlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Peers())
}

func (g *Gateway) HandlePeerDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	peer, ok := g.registry.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, peer.Meta())
}
