package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trackx/sync/internal/annotation"
	"trackx/sync/internal/points"
	"trackx/sync/internal/search"
	"trackx/sync/internal/snapshot"
	"trackx/sync/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
	logger     *log.Logger
}

// NewHTTPServer builds the local facade. metrics may be nil to disable
// /metrics.
func NewHTTPServer(service *Service, corsOrigin string, metrics http.Handler, logger *log.Logger) *HTTPServer {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: metrics, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "points":
		s.handlePoints(w, r, parts[2:])
	case "session":
		s.handleSession(w, r, parts[2:])
	case "cases":
		s.handleCases(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handlePoints(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "heatmap":
		s.streamHeatmap(w, r)
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "globe":
		records, err := s.service.Globe(r.Context())
		s.writeResult(w, map[string]any{"points": nonNilPoints(records)}, err)
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "recent":
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		records, err := s.service.Recent(r.Context(), limit)
		s.writeResult(w, map[string]any{"points": nonNilPoints(records)}, err)
	case r.Method == http.MethodDelete && len(parts) == 1:
		if err := s.service.InvalidateDataset(r.Context(), parts[0]); err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "dataset": parts[0]})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

type heatmapLine struct {
	Points []points.Record `json:"points"`
	points.ChunkMeta
}

// streamHeatmap writes one NDJSON line per chunk. Errors after the first line
// are reported as a final {"error": ...} line.
func (s *HTTPServer) streamHeatmap(w http.ResponseWriter, r *http.Request) {
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)
	started := false

	_, err = s.service.Heatmap(r.Context(), pageSize, func(records []points.Record, meta points.ChunkMeta) {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		_ = encoder.Encode(heatmapLine{Points: nonNilPoints(records), ChunkMeta: meta})
		if flusher != nil {
			flusher.Flush()
		}
	})
	if err == nil {
		return
	}
	if !started {
		s.writeFailure(w, err)
		return
	}
	if !errors.Is(err, points.ErrCancelled) {
		s.logger.Printf("app: heatmap stream: %v", err)
	}
	_, code, message, _ := mapError(err)
	_ = encoder.Encode(map[string]any{"error": map[string]any{"code": code, "message": message}})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		var draft annotation.Draft
		if err := decodeBody(r, &draft); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		status, err := s.service.BeginSession(ctx, draft)
		s.writeResultStatus(w, http.StatusCreated, status, err)
	case len(parts) == 0 && r.Method == http.MethodGet:
		status, err := s.service.SessionStatus(ctx)
		s.writeResult(w, status, err)
	case len(parts) == 0 && r.Method == http.MethodDelete:
		err := s.service.CloseSession(ctx)
		s.writeResult(w, map[string]any{"ok": true}, err)
	case len(parts) == 1 && parts[0] == "load" && r.Method == http.MethodPost:
		result, err := s.service.LoadSession(ctx)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		response := map[string]any{
			"state":                   result.State,
			"caseId":                  result.CaseID,
			"draft":                   result.Draft,
			"staleReferenceDiscarded": result.StaleReferenceDiscarded,
			"cloudUnavailable":        result.CloudUnavailable,
		}
		if result.Warning != nil {
			response["warning"] = result.Warning.Error()
		}
		writeJSON(w, http.StatusOK, response)
	case len(parts) == 1 && parts[0] == "case" && r.Method == http.MethodPatch:
		var edit annotation.CaseEdit
		if err := decodeBody(r, &edit); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.writeResult(w, map[string]any{"ok": true}, s.service.EditCase(ctx, edit))
	case len(parts) == 2 && parts[0] == "locations" && r.Method == http.MethodPatch:
		order, err := strconv.Atoi(parts[1])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ORDER", "Location order must be an integer", nil)
			return
		}
		var edit annotation.LocationEdit
		if err := decodeBody(r, &edit); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.writeResult(w, map[string]any{"ok": true}, s.service.EditLocation(ctx, order, edit))
	case len(parts) == 1 && parts[0] == "current" && r.Method == http.MethodPut:
		var body struct {
			Order *int `json:"order"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Order == nil {
			s.writeFailure(w, validationError("order is required"))
			return
		}
		s.writeResult(w, map[string]any{"ok": true, "order": *body.Order}, s.service.SetCurrentLocation(ctx, *body.Order))
	case len(parts) == 1 && parts[0] == "save" && r.Method == http.MethodPost:
		result, err := s.service.SaveSession(ctx)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saveResponse(result))
	case len(parts) == 1 && parts[0] == "snapshots" && r.Method == http.MethodPost:
		var item snapshot.Captured
		if err := decodeBody(r, &item); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.writeResultStatus(w, http.StatusAccepted, map[string]any{"ok": true, "order": item.Order}, s.service.CaptureSnapshot(ctx, item))
	case len(parts) == 2 && parts[0] == "snapshots" && parts[1] == "persist" && r.Method == http.MethodPost:
		result, err := s.service.PersistSnapshots(ctx)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshotResponse(result))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func saveResponse(result annotation.SaveResult) map[string]any {
	locationErrors := make([]map[string]any, 0, len(result.LocationErrors))
	for _, le := range result.LocationErrors {
		locationErrors = append(locationErrors, map[string]any{"order": le.Order, "error": le.Err.Error()})
	}
	response := map[string]any{
		"ok":             result.OK(),
		"caseId":         result.CaseID,
		"created":        result.Created,
		"saved":          result.Saved,
		"locationErrors": locationErrors,
	}
	if result.CaseError != nil {
		response["caseError"] = result.CaseError.Error()
	}
	return response
}

func snapshotResponse(result snapshot.Result) map[string]any {
	errs := make([]map[string]any, 0, len(result.Errors))
	for _, itemErr := range result.Errors {
		errs = append(errs, map[string]any{"order": itemErr.Order, "op": itemErr.Op, "error": itemErr.Err.Error()})
	}
	skipped := result.Skipped
	if skipped == nil {
		skipped = []int{}
	}
	uploaded := result.Uploaded
	if uploaded == nil {
		uploaded = []snapshot.Upload{}
	}
	return map[string]any{
		"successCount": result.SuccessCount,
		"failureCount": result.FailureCount,
		"skipped":      skipped,
		"errors":       errs,
		"uploaded":     uploaded,
	}
}

func (s *HTTPServer) handleCases(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()
	query := r.URL.Query()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		cases, err := s.service.ListCases(ctx, query.Get("owner"))
		s.writeResult(w, map[string]any{"cases": cases}, err)
	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		offset, err := queryInt(r, "offset")
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.service.SearchCases(ctx, search.Query{
			Text:    strings.TrimSpace(query.Get("q")),
			Region:  strings.TrimSpace(query.Get("region")),
			Date:    strings.TrimSpace(query.Get("date")),
			OwnerID: strings.TrimSpace(query.Get("owner")),
			Limit:   limit,
			Offset:  offset,
		}))
	case len(parts) == 1 && parts[0] == "stats" && r.Method == http.MethodGet:
		stats, err := s.service.CaseStats(ctx, query.Get("owner"))
		s.writeResult(w, stats, err)
	case len(parts) == 1 && r.Method == http.MethodGet:
		c, err := s.service.GetCase(ctx, parts[0])
		s.writeResult(w, c, err)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.writeResult(w, map[string]any{"ok": true, "caseId": parts[0]}, s.service.DeleteCase(ctx, parts[0]))
	case len(parts) == 2 && parts[1] == "reports" && r.Method == http.MethodGet:
		reports, err := s.service.ListReports(ctx, parts[0])
		s.writeResult(w, map[string]any{"reports": reports}, err)
	case len(parts) == 2 && parts[1] == "reports" && r.Method == http.MethodPost:
		var report store.Report
		if err := decodeBody(r, &report); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateReport(ctx, parts[0], report)
		s.writeResultStatus(w, http.StatusCreated, created, err)
	case len(parts) == 2 && parts[1] == "snapshots" && r.Method == http.MethodGet:
		snapshots, err := s.service.CaseSnapshots(ctx, parts[0])
		s.writeResult(w, map[string]any{"snapshots": snapshots}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) writeResult(w http.ResponseWriter, payload any, err error) {
	s.writeResultStatus(w, http.StatusOK, payload, err)
}

func (s *HTTPServer) writeResultStatus(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) writeFailure(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("app: %s: %v", code, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, validationError(key + " must be a non-negative integer")
	}
	return value, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func nonNilPoints(records []points.Record) []points.Record {
	if records == nil {
		return []points.Record{}
	}
	return records
}
