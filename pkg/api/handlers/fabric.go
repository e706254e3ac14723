package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
	"github.com/marmos91/dittofc/pkg/fc/portdb"
	"github.com/marmos91/dittofc/pkg/fc/switchsim"
)

// FabricHandler serves the read-only fabric state endpoints.
type FabricHandler struct {
	node Node
}

// NewFabricHandler creates a handler for node.
func NewFabricHandler(node Node) *FabricHandler {
	return &FabricHandler{node: node}
}

// ExchangesResponse is the body of GET /api/v1/exchanges.
type ExchangesResponse struct {
	Stats  exch.Stats  `json:"stats"`
	Active []exch.Info `json:"active"`
}

// Ports handles GET /api/v1/ports.
func (h *FabricHandler) Ports(w http.ResponseWriter, r *http.Request) {
	ports := h.node.Ports()
	if ports == nil {
		ports = []fabric.PortInfo{}
	}
	writeJSON(w, http.StatusOK, newResponse(StatusOK, ports, ""))
}

// PortSessions handles GET /api/v1/ports/{name}/sessions.
func (h *FabricHandler) PortSessions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sessions, err := h.node.PortSessions(name)
	if errors.Is(err, ErrPortNotFound) {
		WriteProblem(w, http.StatusNotFound, "Port "+name+" not found")
		return
	}
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []fabric.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, newResponse(StatusOK, sessions, ""))
}

// Sessions handles GET /api/v1/sessions.
func (h *FabricHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.node.Sessions()
	if sessions == nil {
		sessions = []fabric.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, newResponse(StatusOK, sessions, ""))
}

// Exchanges handles GET /api/v1/exchanges.
func (h *FabricHandler) Exchanges(w http.ResponseWriter, r *http.Request) {
	active := h.node.Exchanges()
	if active == nil {
		active = []exch.Info{}
	}
	writeJSON(w, http.StatusOK, newResponse(StatusOK, ExchangesResponse{
		Stats:  h.node.ExchangeStats(),
		Active: active,
	}, ""))
}

// PortDB handles GET /api/v1/portdb.
func (h *FabricHandler) PortDB(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	records, err := h.node.PortDB(ctx)
	if err != nil {
		WriteProblem(w, http.StatusInternalServerError, "Failed to read port database: "+err.Error())
		return
	}
	if records == nil {
		records = []*portdb.Record{}
	}
	writeJSON(w, http.StatusOK, newResponse(StatusOK, records, ""))
}

// Switch handles GET /api/v1/switch.
func (h *FabricHandler) Switch(w http.ResponseWriter, r *http.Request) {
	entries := h.node.SwitchEntries()
	if entries == nil {
		WriteProblem(w, http.StatusNotFound, "Node is not attached to a fabric switch")
		return
	}
	if len(entries) == 0 {
		entries = []switchsim.Entry{}
	}
	writeJSON(w, http.StatusOK, newResponse(StatusOK, entries, ""))
}
