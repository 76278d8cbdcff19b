package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/aicli/internal/config"
	"github.com/gluk-w/aicli/internal/database"
	"github.com/gluk-w/aicli/internal/logutil"
	"github.com/gluk-w/aicli/internal/sshtunnel"
)

// Set by main.
var (
	Tunnels   *sshtunnel.Registry
	Providers *config.File
)

// maxBodyBytes bounds a create request body.
const maxBodyBytes = 64 * 1024

func ListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  Tunnels.ListActive(),
		"tunnels": Tunnels.Tunnels(),
	})
}

func GetTunnel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t := Tunnels.GetTunnel(name)
	if t == nil {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	info := t.Info()
	info.Name = name
	writeJSON(w, http.StatusOK, info)
}

// CreateTunnel starts (or reuses) the tunnel named in the URL. The body is an
// endpoint config; an empty body uses the ssh block of the provider with the
// same name.
func CreateTunnel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	var cfg sshtunnel.EndpointConfig
	if len(body) > 0 {
		if err := json.Unmarshal(body, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
	} else {
		var p config.ProviderConfig
		var ok bool
		if Providers != nil {
			p, ok = Providers.Provider(name)
		}
		if !ok || p.SSH == nil {
			writeError(w, http.StatusBadRequest, "No endpoint in body and no provider ssh config for "+name)
			return
		}
		cfg = *p.SSH
	}

	t, err := Tunnels.CreateTunnel(name, cfg)
	if err != nil {
		log.Printf("[api] create tunnel %s: %v", logutil.SanitizeForLog(name), err)
		resp := map[string]string{"detail": err.Error()}
		if kind := sshtunnel.KindOf(err); kind != 0 {
			resp["kind"] = kind.String()
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}

	info := t.Info()
	info.Name = name
	writeJSON(w, http.StatusCreated, info)
}

func DeleteTunnel(w http.ResponseWriter, r *http.Request) {
	Tunnels.CloseTunnel(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

func DeleteAllTunnels(w http.ResponseWriter, r *http.Request) {
	Tunnels.CloseAll()
	w.WriteHeader(http.StatusNoContent)
}

func GetTunnelEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	events := Tunnels.Events(name)
	if events == nil {
		events = []sshtunnel.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   name,
		"events": events,
	})
}

// ListEvents returns the in-memory events of every tunnel name.
func ListEvents(w http.ResponseWriter, r *http.Request) {
	events := Tunnels.AllEvents()
	if events == nil {
		events = []sshtunnel.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

func GetTunnelHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := database.DefaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	events, err := database.ListTunnelEvents(name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   name,
		"events": events,
	})
}
