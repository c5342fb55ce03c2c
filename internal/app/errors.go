package app

import (
	"errors"
	"fmt"
	"net/http"

	"trackx/sync/internal/annotation"
	"trackx/sync/internal/points"
	"trackx/sync/internal/snapshot"
	"trackx/sync/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var fetchErr *points.FetchError
	var writeErr *store.WriteError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, annotation.ErrNoCaseContext):
		return http.StatusNotFound, "NO_CASE_CONTEXT", "No local draft or remembered case", nil
	case errors.Is(err, annotation.ErrSessionNotLoaded):
		return http.StatusConflict, "SESSION_NOT_LOADED", "Annotation session is not loaded", nil
	case errors.Is(err, annotation.ErrUnknownLocation):
		return http.StatusNotFound, "UNKNOWN_LOCATION", err.Error(), nil
	case errors.Is(err, annotation.ErrEmptyDraft):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Draft must contain at least one location", nil
	case errors.Is(err, snapshot.ErrNoCaseID):
		return http.StatusConflict, "CASE_NOT_SAVED", "Case has not been saved to the cloud yet", nil
	case errors.Is(err, points.ErrCancelled):
		return http.StatusRequestTimeout, "CANCELLED", "Fetch cancelled", nil
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Points service unavailable", map[string]any{"status": fetchErr.Status}
	case errors.As(err, &writeErr):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Case store write failed", map[string]any{"op": writeErr.Op}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
