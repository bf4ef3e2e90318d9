package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/legatohq/legato/pkg/job"
	"github.com/legatohq/legato/pkg/session"
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("target_id")

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.APIName == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("api_name and session_id are required"))
		return
	}

	j, err := s.controller.CreateJob(r.Context(), targetID, req)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := job.Filter{
		TargetID: q.Get("target_id"),
		Status:   job.Status(q.Get("status")),
		APIName:  q.Get("api_name"),
	}
	jobs, err := s.store.List(r.Context(), filter)
	if err != nil {
		mapError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleJobMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	msgs, err := s.store.Messages(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleJobExchanges(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	exchanges, err := s.store.Exchanges(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	if exchanges == nil {
		exchanges = []job.ExchangeRecord{}
	}
	writeJSON(w, http.StatusOK, exchanges)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Interrupt(r.Context(), r.PathValue("id")); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupt requested"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Cancel(r.Context(), r.PathValue("id")); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Result interface{} `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	j, err := s.controller.Resolve(r.Context(), r.PathValue("id"), body.Result)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	j, err := s.controller.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// handleJobStream upgrades to a websocket and relays the job's live
// events until the client goes away.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	id := r.PathValue("id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade stream connection")
		return
	}
	unsubscribe := s.hub.Subscribe(id, conn)
	defer unsubscribe()
	defer conn.Close()

	// Reads only serve to detect the peer closing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("target_id")
	var body struct {
		ContainerIP string `json:"container_ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	sess, err := s.sessions.Create(targetID, body.ContainerIP)
	if err != nil {
		mapError(w, err)
		return
	}
	// The gateway provisions containers out of band; with a reachable
	// address the session is usable immediately.
	if body.ContainerIP != "" {
		if err := s.sessions.MarkReady(sess.ID); err != nil {
			mapError(w, err)
			return
		}
		sess.State = session.StateReady
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Archive(r.PathValue("id")); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	if s.defs == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	names := s.defs.Names()
	out := make([]interface{}, 0, len(names))
	for _, name := range names {
		if d, err := s.defs.Get(name); err == nil {
			out = append(out, d)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
