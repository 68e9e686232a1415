package api

import (
	"net/http"
	"strconv"

	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/bertiespell/asset-canister/internal/stream"
)

// ChunkResponse is a chunk with its data.
type ChunkResponse struct {
	*store.Chunk
	Data []byte `json:"data"`
}

// CounterResponse reports the next file ID.
type CounterResponse struct {
	CurrentFileID uint64 `json:"current_file_id"`
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
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
	f, err := s.svc.CreateFile(caller, data, q.Get("name"), declared, q.Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleAppendChunk(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathFileID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	order, err := queryUint(r, "order")
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.readChunk(r)
	if err != nil {
		writeError(w, err)
		return
	}

	f, err := s.svc.AppendChunk(caller, id, data, order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathFileID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.svc.DeleteFile(caller, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathFileID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := s.svc.GetFile(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	id, err := pathFileID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.svc.GetChunk(store.ChunkID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordServed(len(c.Data))
	writeJSON(w, http.StatusOK, ChunkResponse{Chunk: c, Data: c.Data})
}

func (s *Server) handleCounter(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CounterResponse{CurrentFileID: s.svc.CurrentFileCounter()})
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	resp, err := s.streamer.Start(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	for k, v := range resp.Headers() {
		w.Header().Set(k, v)
	}
	if resp.Token != nil {
		w.Header().Set(StreamTokenHeader, resp.Token.Encode())
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
	s.metrics.RecordServed(len(resp.Body))
}

func (s *Server) handleContinueStream(w http.ResponseWriter, r *http.Request) {
	token, err := stream.DecodeToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}

	c := s.streamer.Continue(token)
	if c.Token != nil {
		w.Header().Set(StreamTokenHeader, c.Token.Encode())
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.Body)
	s.metrics.RecordServed(len(c.Body))
}
