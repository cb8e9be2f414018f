package model

import (
	"encoding/json"

	"lessond/pkg/apperr"
)

type LessonEntry struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

type ListResponse struct {
	Lessons []LessonEntry `json:"lessons"`
}

type LessonResponse struct {
	Fingerprint string          `json:"fingerprint"`
	Content     json.RawMessage `json:"content"`
}

type FingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
}

type CreateLessonRequest struct {
	Content json.RawMessage `json:"content"`
}

type SaveLessonRequest struct {
	Fingerprint string          `json:"fingerprint"`
	Content     json.RawMessage `json:"content"`
}

type DeleteLessonRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Header is the part of a stored lesson the listing needs.
type Header struct {
	Title *string `json:"title"`
}
