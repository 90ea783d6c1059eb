package sampleapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"bearergate/pkg/identity"
)

type apiInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

func (a *App) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, apiInfo{Title: a.cfg.Title, Version: a.cfg.Version}, http.StatusOK)
}

// getClaims returns every claim of the caller.
func (a *App) getClaims(w http.ResponseWriter, r *http.Request) {
	claims := identity.From(r.Context()).Claims()
	if claims == nil {
		claims = []identity.Claim{}
	}
	writeJSON(w, claims, http.StatusOK)
}

// streamClaims sends the caller's claims as a single server-sent event.
func (a *App) streamClaims(w http.ResponseWriter, r *http.Request) {
	b, err := json.Marshal(identity.From(r.Context()).Claims())
	if err != nil {
		a.log.Errorw("encode claims", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "event: claims\ndata: %s\n\n", b)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
