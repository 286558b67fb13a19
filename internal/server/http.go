// Package server exposes the HTTP API and the gRPC health endpoint.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/blob"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/domain"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/service"
)

// HTTPServer serves the session API.
type HTTPServer struct {
	svc         *service.Service
	healthcheck func(r *http.Request) error
	corsOrigins []string
}

// NewHTTPServer returns the API server. healthcheck is called by GET /health
// and may be nil; corsOrigins lists the allowed cross-origin callers ("*"
// allows any).
func NewHTTPServer(svc *service.Service, healthcheck func(r *http.Request) error, corsOrigins []string) *HTTPServer {
	return &HTTPServer{svc: svc, healthcheck: healthcheck, corsOrigins: corsOrigins}
}

// Handler returns the routed handler with CORS applied.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("GET /api/sessions/export/csv", s.handleExportCSV)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/sessions/{id}/video", s.handleAttachVideo)
	mux.HandleFunc("GET /api/sessions/{id}/video", s.handleStreamVideo)
	return s.cors(mux)
}

type createRequest struct {
	DeviceID     string   `json:"device_id"`
	EmotionScore int      `json:"emotion_score"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

type sessionResponse struct {
	ID           string   `json:"id"`
	DeviceID     string   `json:"device_id"`
	EmotionScore int      `json:"emotion_score"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	Timestamp    string   `json:"timestamp"`
	VideoID      *string  `json:"video_id"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

func toSessionResponse(s *domain.Session) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		DeviceID:     s.DeviceID,
		EmotionScore: s.EmotionScore,
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		Timestamp:    s.EventTimestamp.UTC().Format(time.RFC3339Nano),
		VideoID:      s.BlobID,
		CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "emogo-backend", "status": "ok"})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthcheck != nil {
		if err := s.healthcheck(r); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	var ts time.Time
	if req.Timestamp != "" {
		var err error
		ts, err = time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("timestamp must be RFC 3339: %w", err))
			return
		}
	}
	sess, err := s.svc.CreateSession(r.Context(), service.CreateInput{
		DeviceID:       req.DeviceID,
		EmotionScore:   req.EmotionScore,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		EventTimestamp: ts,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be an integer"))
		return
	}
	// The mobile clients paginate with "skip"; "offset" is kept as an alias.
	skipParam := q.Get("skip")
	if skipParam == "" {
		skipParam = q.Get("offset")
	}
	skip, err := queryInt(skipParam, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("skip must be an integer"))
		return
	}
	sessions, err := s.svc.ListSessions(r.Context(), q.Get("device_id"), limit, skip)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAttachVideo accepts either a multipart form with a file field or a
// raw body with its Content-Type header. The stream is never buffered in
// memory; it flows straight into the chunked store.
func (s *HTTPServer) handleAttachVideo(w http.ResponseWriter, r *http.Request) {
	body, contentType, err := videoStream(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessionID := r.PathValue("id")
	meta, err := s.svc.AttachBlob(r.Context(), sessionID, body, contentType)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Video uploaded successfully",
		"session_id": sessionID,
		"video_id":   meta.ID,
	})
}

func (s *HTTPServer) handleStreamVideo(w http.ResponseWriter, r *http.Request) {
	meta, rc, err := s.svc.StreamBlob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		log.Printf("server: streaming video for session %s failed: %v", r.PathValue("id"), err)
	}
}

func (s *HTTPServer) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	cursor, err := s.svc.ExportAll(r.Context(), r.URL.Query().Get("device_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer cursor.Close()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="sessions.csv"`)
	w.WriteHeader(http.StatusOK)
	if err := WriteCSV(w, cursor); err != nil {
		log.Printf("server: CSV export failed mid-stream: %v", err)
	}
}

// videoStream extracts the upload stream and its declared content type.
// Multipart uploads are read lazily with MultipartReader so large files are
// never parsed into memory or temp files.
func videoStream(r *http.Request) (io.Reader, string, error) {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, "", fmt.Errorf("invalid Content-Type: %w", err)
	}
	if mediaType != "multipart/form-data" {
		return r.Body, ct, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", fmt.Errorf("invalid multipart body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", fmt.Errorf("multipart body has no file part")
		}
		if err != nil {
			return nil, "", fmt.Errorf("invalid multipart body: %w", err)
		}
		if part.FileName() == "" {
			continue
		}
		return part, part.Header.Get("Content-Type"), nil
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNoBlobAttached), errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrAlreadyAttached), errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, blob.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, err)
	case errors.Is(err, blob.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err)
	default:
		log.Printf("server: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) originAllowed(origin string) bool {
	for _, o := range s.corsOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
