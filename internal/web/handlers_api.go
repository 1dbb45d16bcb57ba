package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"lvp-hub/internal/lvp"
	"lvp-hub/internal/pool"
)

type linkView struct {
	ID        string   `json:"id"`
	Device    string   `json:"device"`
	State     string   `json:"state"`
	Quiet     bool     `json:"quiet"`
	Functions []string `json:"functions,omitempty"`
}

type linkDetail struct {
	linkView
	History []string `json:"history"`
}

func (s *Server) linkView(l *lvp.Link) linkView {
	return linkView{
		ID:        l.ID(),
		Device:    l.Device(),
		State:     l.State().String(),
		Quiet:     l.IsQuiet(),
		Functions: l.Functions(),
	}
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	views := make([]linkView, 0, s.pool.Len())
	for _, l := range s.pool.Links() {
		views = append(views, s.linkView(l))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	l, ok := s.pool.Link(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "link not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, linkDetail{linkView: s.linkView(l), History: l.History()})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	l, ok := s.pool.Link(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "link not found"})
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := l.Init(req.Force); err != nil {
		s.logger.Error("init via api", "link", l.ID(), "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.linkView(l))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Names []string `json:"names"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Names) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "names must not be empty"})
		return
	}
	results, err := s.pool.Get(id, s.opTimeout, req.Names...)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	val, ok := results[id]
	if !ok {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "link did not answer"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"values": val})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Assignments []struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
		} `json:"assignments"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Assignments) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "assignments must not be empty"})
		return
	}
	assignments := make([]lvp.Assignment, 0, len(req.Assignments))
	for _, a := range req.Assignments {
		if a.Name == "" {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "assignment name must not be empty"})
			return
		}
		v := a.Value
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			v = int64(f)
		}
		assignments = append(assignments, lvp.Assignment{Name: a.Name, Value: v})
	}
	results, err := s.pool.Set(id, assignments, s.opTimeout)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	if _, ok := results[id]; !ok {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "set failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Command string `json:"command"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command must not be empty"})
		return
	}
	results, err := s.pool.Exec(id, req.Command, s.opTimeout)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	out, ok := results[id]
	if !ok {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "link did not answer"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"response": out})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name  string `json:"name"`
		Args  []any  `json:"args"`
		Quiet bool   `json:"quiet"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	results, err := s.pool.Call(id, req.Name, req.Args, req.Quiet, s.opTimeout)
	if err != nil {
		if errors.Is(err, lvp.ErrUnknownFunction) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		s.writeQueryError(w, err)
		return
	}
	out, ok := results[id]
	if !ok {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "call failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"response": out})
}

func (s *Server) handleDeclare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spec string `json:"spec"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	fn, err := s.pool.Declare(req.Spec)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": fn.Name()})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.logStore == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "message log not enabled"})
		return
	}
	id := r.PathValue("id")
	if _, ok := s.pool.Link(id); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "link not found"})
		return
	}
	n := 100
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 || v > 10000 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be 1-10000"})
			return
		}
		n = v
	}
	entries, err := s.logStore.Tail(id, n)
	if err != nil {
		s.logger.Error("read message log", "link", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	type entryView struct {
		Time string `json:"time"`
		Data string `json:"data"`
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{Time: e.Time.Format("2006-01-02T15:04:05.000Z07:00"), Data: string(e.Data)})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// decode reads a JSON request body, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, pool.ErrInvalidQuery) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Error("pool operation failed", "err", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}
