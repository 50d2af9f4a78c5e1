package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"signflow/pkg/domain"
	"signflow/pkg/workflow"
	"signflow/services/signing/internal/app"
)

// POST /documents, multipart with "file" and a JSON "payload" field.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, user domain.Actor) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid form data")
		return
	}
	var in app.CreateInput
	payload := strings.TrimSpace(r.FormValue("payload"))
	if payload == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "payload is required (field: payload)")
		return
	}
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid payload JSON")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unreadable file")
		return
	}
	in.File = data
	in.Filename = header.Filename

	doc, err := s.app.CreateDocument(r.Context(), user, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, user domain.Actor) {
	docs, err := s.app.ListDocuments(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, user domain.Actor) {
	view, err := s.app.GetDocument(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request, user domain.Actor) {
	tl, err := s.app.Timeline(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, user domain.Actor) {
	variant := strings.TrimSpace(r.URL.Query().Get("variant"))
	url, err := s.app.DownloadURL(r.Context(), user, r.PathValue("id"), variant)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if variant == "" {
		variant = app.VariantWatermarked
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url, "variant": variant})
}

func (s *Server) handleVisar(w http.ResponseWriter, r *http.Request, user domain.Actor) {
	doc, err := s.app.Visar(r.Context(), user, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type signRequest struct {
	SignerID string `json:"signerId"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request, user domain.Actor) {
	var req signRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
			return
		}
	}
	doc, err := s.app.Sign(r.Context(), user, r.PathValue("id"), req.SignerID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func readReason(r *http.Request) (string, error) {
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", workflow.ErrValidation
	}
	return req.Reason, nil
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, user domain.Actor) {
	reason, err := readReason(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	doc, err := s.app.Reject(r.Context(), user, r.PathValue("id"), reason)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleAddSigner(w http.ResponseWriter, r *http.Request, user domain.Actor) {
	var in app.SignerInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	signer, err := s.app.AddSigner(r.Context(), user, r.PathValue("id"), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, signer)
}
