package server

import (
	"errors"
	"net/http"

	"signflow/internal/util"
	"signflow/pkg/workflow"
	"signflow/services/signing/internal/app"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first matching sentinel wins.
var errorMappings = []errorMapping{
	{workflow.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{workflow.ErrTokenInvalid, http.StatusUnauthorized, "TOKEN_INVALID"},
	{workflow.ErrTokenExpired, http.StatusGone, "TOKEN_EXPIRED"},
	{app.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{workflow.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{workflow.ErrAlreadySigned, http.StatusConflict, "ALREADY_SIGNED"},
	{workflow.ErrAlreadyFinal, http.StatusConflict, "ALREADY_FINAL"},
	{workflow.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{workflow.ErrStorageFailure, http.StatusBadGateway, "STORAGE_FAILURE"},
}

// writeAppError maps workflow sentinels onto HTTP statuses. Unknown errors
// are logged and reported as internal without detail.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			msg := err.Error()
			if m.status == http.StatusBadGateway {
				util.LoggerFromContext(r.Context()).Error("storage failure", "err", err)
				msg = "storage unavailable"
			}
			writeError(w, m.status, m.code, msg)
			return
		}
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
}
