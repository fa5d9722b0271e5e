package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"

	"github.com/speedrun-hq/intentflow/pkg/errs"
)

func (s *Server) problem(w http.ResponseWriter, r *http.Request, status int, kind, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(kind).
		WithDetail(detail)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		s.logger.Error("Error encoding problem JSON: %v", err)
	}
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		s.problem(w, r, http.StatusBadRequest, "validation_error", verrs.Error())
		return
	}
	s.problem(w, r, http.StatusBadRequest, "invalid_request", err.Error())
}

// engineError maps an engine failure onto its problem document
func (s *Server) engineError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	kind := errs.KindOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("%s %s failed: %v", r.Method, r.URL.Path, err)
	}
	s.problem(w, r, status, string(kind), err.Error())
}
