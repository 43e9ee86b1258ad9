package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/panelmux/panelmux"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMessage decodes one extension request and dispatches it to the engine.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body")
		return
	}
	req, err := panelmux.DecodeRequest(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Handle(r.Context(), req); err != nil {
		if errors.Is(err, panelmux.ErrNoAgent) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleTabEvents is the per-tab SSE stream. The connected panel receives
// every TabMessage routed to its tab as one SSE data frame. Disconnecting
// counts as closing the tab.
func (s *Server) handleTabEvents(w http.ResponseWriter, r *http.Request) {
	tabID, err := strconv.Atoi(chi.URLParam(r, "tab_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid tab_id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := s.hub.Attach(tabID)
	defer func() {
		// A replaced connection must not report the tab as closed: the
		// replacement handler may already be serving a fresh JOIN_PANEL.
		if s.hub.Detach(tabID, ch) {
			s.engine.TabClosed(tabID)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				// Replaced by a newer connection for the same tab.
				return
			}
			data, err := panelmux.EncodeTabMessage(msg)
			if err != nil {
				s.logger.Error("encode tab message", "tab_id", tabID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agents)
}

func (s *Server) handleSaveAgent(w http.ResponseWriter, r *http.Request) {
	var a panelmux.AgentConfig
	if err := readJSON(r, &a); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if a.ID == "" {
		a.ID = panelmux.NewID()
	}
	if a.Name == "" || a.Model == "" {
		s.writeError(w, http.StatusBadRequest, "name and model are required")
		return
	}
	if err := s.agents.SaveAgent(r.Context(), a); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agent_id")
	if err := s.agents.DeleteAgent(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
