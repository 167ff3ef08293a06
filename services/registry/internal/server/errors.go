package server

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"agentregistry/internal/util"
	"agentregistry/pkg/storage"
	"agentregistry/pkg/store"
	"agentregistry/services/registry/internal/app"
)

// resource carries the per-collection wording of error responses.
type resource struct {
	name           string
	code           string
	conflictStatus int
	validation     func(*app.ValidationError) string
	conflict       func(*app.ConflictError) string
}

var agentResource = resource{
	name:           "Agent",
	code:           "AGENT",
	conflictStatus: http.StatusConflict,
	validation: func(e *app.ValidationError) string {
		switch {
		case e.Reason == app.ReasonRequired:
			return "Missing required field: " + e.Field
		case e.Field == "":
			return "Nothing to update"
		}
		return "Invalid field: " + e.Field
	},
	conflict: func(e *app.ConflictError) string {
		switch e.Field {
		case store.FieldEmail:
			return "Email already exists"
		case store.FieldMobileNumber:
			return "Mobile number already exists"
		}
		return "Agent already exists"
	},
}

var userResource = resource{
	name:           "User",
	code:           "USER",
	conflictStatus: http.StatusBadRequest,
	validation: func(e *app.ValidationError) string {
		switch {
		case e.Reason == app.ReasonRequired:
			return "All fields are required."
		case e.Reason == app.ReasonMismatch:
			return "Password and confirm password do not match."
		case e.Field == "":
			return "Nothing to update"
		}
		return "Invalid field: " + e.Field
	},
	conflict: func(e *app.ConflictError) string {
		switch e.Field {
		case store.FieldEmail:
			return "Email already exists. Please use a different email."
		case store.FieldOfficialEmail:
			return "Official Email already exists. Please use a different email."
		}
		return "User already exists"
	},
}

// writeAppError maps an app error onto the JSON error envelope. Causes of
// server-side failures are logged and left out of the body.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, res resource, err error) {
	var (
		validationErr *app.ValidationError
		conflictErr   *app.ConflictError
		parseErr      *app.ParseError
		uploadErr     *storage.UploadError
	)
	logger := util.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, res.name+" not found", "", res.code+"_NOT_FOUND")
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, res.validation(validationErr), validationErr.Error(), res.code+"_VALIDATION_FAILED")
	case errors.As(err, &conflictErr):
		writeError(w, res.conflictStatus, res.conflict(conflictErr), conflictErr.Error(), res.code+"_CONFLICT")
	case errors.As(err, &parseErr):
		if parseErr.TooLarge {
			writeError(w, http.StatusRequestEntityTooLarge, "File upload error", parseErr.Reason, "REQUEST_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, "File upload error", parseErr.Reason, "REQUEST_INVALID_BODY")
	case errors.As(err, &uploadErr):
		logger.Error("blob upload failed", "blob", uploadErr.Name, "err", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error", errorCause(err), "UPLOAD_FAILED")
	default:
		logger.Error("request failed", "err", err)
		var persistErr *app.PersistenceError
		detail := ""
		if errors.As(err, &persistErr) {
			detail = errorCause(persistErr)
		}
		writeError(w, http.StatusInternalServerError, "Internal Server Error", detail, "SYSTEM_INTERNAL_ERROR")
	}
}

const maxCauseLen = 200

// urlQuery matches the query part of URLs, which may carry SAS tokens or
// credentials.
var urlQuery = regexp.MustCompile(`(https?://[^\s?"']*)\?[^\s"']*`)

var userInfo = regexp.MustCompile(`([a-z][a-z0-9+.-]*://)[^\s/@]+@`)

// errorCause renders err for a response body: first line only, URL queries
// and userinfo stripped, bounded length.
func errorCause(err error) string {
	msg := err.Error()
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = urlQuery.ReplaceAllString(msg, "$1")
	msg = userInfo.ReplaceAllString(msg, "$1")
	if len(msg) > maxCauseLen {
		msg = msg[:maxCauseLen] + "..."
	}
	return strings.TrimSpace(msg)
}
