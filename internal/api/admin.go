package api

import (
	"fmt"
	"net/http"

	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/ratelimit"
	"github.com/bertiespell/asset-canister/internal/store"
)

// BlockedResponse lists blocked identities.
type BlockedResponse struct {
	Blocked []auth.Identity `json:"blocked"`
}

// WarningsResponse lists rate limit warning counts.
type WarningsResponse struct {
	Warnings []ratelimit.Warning `json:"warnings"`
}

// PurgeResponse lists the files removed by block-and-delete.
type PurgeResponse struct {
	Deleted []store.File `json:"deleted"`
}

// CapacityResponse reports persisted storage.
type CapacityResponse struct {
	PersistedBytes uint64 `json:"persisted_bytes"`
}

func (s *Server) setupAdminRoutes() {
	s.mux.HandleFunc("POST /api/admin/blocked/{identity}", s.handleBlock)
	s.mux.HandleFunc("DELETE /api/admin/blocked/{identity}", s.handleUnblock)
	s.mux.HandleFunc("GET /api/admin/blocked", s.handleListBlocked)
	s.mux.HandleFunc("POST /api/admin/purge/{identity}", s.handlePurge)
	s.mux.HandleFunc("GET /api/admin/warnings", s.handleListWarnings)
	s.mux.HandleFunc("POST /api/admin/files", s.handleForceCreate)
	s.mux.HandleFunc("GET /api/admin/capacity", s.handleCapacity)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	target := auth.Identity(r.PathValue("identity"))
	if err := s.svc.Block(caller, target, r.URL.Query().Get("metadata")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.Unblock(caller, auth.Identity(r.PathValue("identity"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	blocked, err := s.svc.ListBlocked(caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BlockedResponse{Blocked: blocked})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	target := auth.Identity(r.PathValue("identity"))
	deleted, err := s.svc.BlockAndDelete(caller, target, r.URL.Query().Get("metadata"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Deleted: deleted})
}

func (s *Server) handleListWarnings(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	warnings, err := s.svc.ListWarnings(caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WarningsResponse{Warnings: warnings})
}

func (s *Server) handleForceCreate(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	declared, err := queryUint(r, "chunks")
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.readChunk(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	owner := auth.Identity(q.Get("owner"))
	if owner.IsAnonymous() {
		writeError(w, fmt.Errorf("%w: owner is required", ErrBadRequest))
		return
	}
	f, err := s.svc.ForceCreateFile(caller, data, q.Get("name"), declared, q.Get("type"), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	used, err := s.svc.CapacityCheck(caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CapacityResponse{PersistedBytes: used})
}
