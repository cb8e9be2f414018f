package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"lessond/internal/lesson/model"
	"lessond/internal/lesson/service"
	"lessond/pkg/apperr"
	"lessond/pkg/fingerprint"
	"lessond/pkg/logger"

	"github.com/go-chi/chi/v5"
)

// maxBodySize caps request bodies; lessons are small JSON documents.
const maxBodySize = 4 << 20

type LessonHandler struct {
	Service *service.LessonService
}

func NewLessonHandler(service *service.LessonService) *LessonHandler {
	return &LessonHandler{Service: service}
}

func (h *LessonHandler) ListLessons(w http.ResponseWriter, r *http.Request) {
	lessons, err := h.Service.ListLessons(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{Lessons: lessons})
}

func (h *LessonHandler) GetLesson(w http.ResponseWriter, r *http.Request) {
	content, fp, err := h.Service.GetLesson(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.LessonResponse{Fingerprint: fp.String(), Content: json.RawMessage(content)})
}

func (h *LessonHandler) GetFingerprint(w http.ResponseWriter, r *http.Request) {
	fp, err := h.Service.GetFingerprint(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.FingerprintResponse{Fingerprint: fp.String()})
}

func (h *LessonHandler) CreateLesson(w http.ResponseWriter, r *http.Request) {
	var req model.CreateLessonRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	fp, err := h.Service.CreateLesson(r.Context(), chi.URLParam(r, "slug"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.FingerprintResponse{Fingerprint: fp.String()})
}

func (h *LessonHandler) SaveLesson(w http.ResponseWriter, r *http.Request) {
	var req model.SaveLessonRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	expected, err := fingerprint.Parse(req.Fingerprint)
	if err != nil {
		writeError(w, err)
		return
	}

	fp, err := h.Service.SaveLesson(r.Context(), chi.URLParam(r, "slug"), expected, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.FingerprintResponse{Fingerprint: fp.String()})
}

// DeleteLesson deletes unconditionally unless the client names the
// fingerprint it last saw, in the body or as an If-Match header.
func (h *LessonHandler) DeleteLesson(w http.ResponseWriter, r *http.Request) {
	var expected *fingerprint.Fingerprint

	raw := strings.Trim(r.Header.Get("If-Match"), `"`)
	// Chunked bodies report ContentLength -1, so look at the body itself.
	if raw == "" && r.Body != nil && r.Body != http.NoBody {
		var req model.DeleteLessonRequest
		present, err := decodeOptionalBody(w, r, &req)
		if err != nil {
			writeError(w, err)
			return
		}
		if present {
			raw = req.Fingerprint
		}
	}
	if raw != "" {
		fp, err := fingerprint.Parse(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		expected = &fp
	}

	if err := h.Service.DeleteLesson(r.Context(), chi.URLParam(r, "slug"), expected); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.StatusResponse{Status: "deleted"})
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.StatusResponse{Status: "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	present, err := decodeOptionalBody(w, r, v)
	if err != nil {
		return err
	}
	if !present {
		return apperr.New(apperr.InvalidContent, "request body is empty")
	}
	return nil
}

// decodeOptionalBody decodes r.Body into v and reports false for an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) (bool, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.InvalidContent, err, "invalid request body")
	}
	return true, nil
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.AlreadyExists, apperr.Conflict:
		return http.StatusConflict
	case apperr.InvalidIdentifier, apperr.InvalidContent, apperr.InvalidFingerprint:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	message := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	if status == http.StatusInternalServerError {
		logger.Sugar.Errorf("Handler: request failed: %v", err)
		// Do not leak storage paths to clients.
		message = "internal storage error"
	}
	writeJSON(w, status, model.ErrorResponse{Error: model.ErrorBody{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Warnf("Handler: failed to write response: %v", err)
	}
}
