package server

import (
	"errors"
	"net/http"

	"signflow/pkg/domain"
	"signflow/pkg/workflow"
	"signflow/services/signing/internal/security"
)

// publicError reports token failures to the probe alerter before mapping err.
func (s *Server) publicError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, workflow.ErrTokenInvalid):
		s.observe(r, security.EventPublicToken, security.OutcomeInvalid)
	case errors.Is(err, workflow.ErrTokenExpired):
		s.observe(r, security.EventPublicToken, security.OutcomeExpired)
	}
	writeAppError(w, r, err)
}

func (s *Server) handlePublicDocument(w http.ResponseWriter, r *http.Request) {
	view, err := s.app.GetPublicDocument(r.Context(), r.PathValue("token"))
	if err != nil {
		s.publicError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePublicVisar(w http.ResponseWriter, r *http.Request) {
	doc, err := s.app.VisarByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		s.publicError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicStatus(doc.Status, doc.RequiresVisado))
}

func (s *Server) handlePublicReject(w http.ResponseWriter, r *http.Request) {
	reason, err := readReason(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	doc, err := s.app.RejectByDocumentToken(r.Context(), r.PathValue("token"), reason)
	if err != nil {
		s.publicError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicStatus(doc.Status, doc.RequiresVisado))
}

func (s *Server) handleSigningView(w http.ResponseWriter, r *http.Request) {
	view, err := s.app.GetSigningView(r.Context(), r.PathValue("token"))
	if err != nil {
		s.publicError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePublicSign(w http.ResponseWriter, r *http.Request) {
	doc, err := s.app.SignByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		s.publicError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicStatus(doc.Status, doc.RequiresVisado))
}

func (s *Server) handlePublicSignerReject(w http.ResponseWriter, r *http.Request) {
	reason, err := readReason(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	doc, err := s.app.RejectBySignerToken(r.Context(), r.PathValue("token"), reason)
	if err != nil {
		s.publicError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicStatus(doc.Status, doc.RequiresVisado))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	v, err := s.app.GetVerification(r.Context(), r.PathValue("code"))
	if err != nil {
		s.publicError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// publicStatus is the reply to token-link actions; it carries no document
// internals beyond status and progress.
func publicStatus(status domain.DocumentStatus, requiresVisado bool) map[string]any {
	step := domain.StepFor(status)
	return map[string]any{
		"status":      status,
		"progress":    domain.Progress(status, requiresVisado),
		"currentStep": step.Current,
		"nextStep":    step.Next,
	}
}
