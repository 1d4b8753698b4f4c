package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/legato/listen/internal/errs"
	"github.com/legato/listen/internal/logger"
	"github.com/legato/listen/internal/signal"
)

const maxBodyBytes = 1 << 20

type registerRequest struct {
	Path string `json:"path"`
}

type registerResponse struct {
	SignalID string         `json:"signal_id"`
	Embedded bool           `json:"embedded"`
	Signal   *signal.Signal `json:"signal"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	// The body is usually a full signal record; only the query fields are read.
	var q signal.Query
	if err := decode(w, r, &q, false); err != nil {
		s.respondError(w, r, err)
		return
	}
	if q.KeyPhrases == nil {
		q.KeyPhrases = []string{}
	}
	res, err := s.correlator.Correlate(r.Context(), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req, true); err != nil {
		s.respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		s.respondError(w, r, errs.New(errs.CodeServerRequestInvalid, "path is required"))
		return
	}
	out, err := s.registerer.Register(r.Context(), req.Path)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, registerResponse{
		SignalID: out.SignalID,
		Embedded: out.Embedded,
		Signal:   out.Signal,
	})
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := s.signals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sig)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any, strict bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(err, errs.CodeServerRequestInvalid, "invalid request body")
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("cannot encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	code := string(errs.CodeOf(err))
	if code == "" {
		code = string(errs.CodeServerInternal)
	}
	l := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		l.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		l.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.respondJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: err.Error()}})
}
