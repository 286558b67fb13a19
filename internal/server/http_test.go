package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/blob"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/domain"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/repository"
	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/service"
)

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newMemRepo() *memRepo { return &memRepo{sessions: make(map[string]*domain.Session)} }

func (r *memRepo) Insert(_ context.Context, s *domain.Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return s.ID, nil
}

func (r *memRepo) Get(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) ListByDevice(_ context.Context, deviceID string, limit, offset int) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.DeviceID == deviceID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EventTimestamp.After(out[j].EventTimestamp)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) UpdateBlobRef(_ context.Context, sessionID, blobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	if s.BlobID != nil {
		return domain.ErrAlreadyAttached
	}
	s.BlobID = &blobID
	return nil
}

func (r *memRepo) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return domain.ErrNotFound
	}
	delete(r.sessions, sessionID)
	return nil
}

func (r *memRepo) ListOlderThan(context.Context, time.Time) ([]string, error) { return nil, nil }

func (r *memRepo) BlobReferenced(context.Context, string) (bool, error) { return false, nil }

func (r *memRepo) Export(_ context.Context, deviceID string) (repository.ExportCursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var recs []*domain.ExportRecord
	for _, s := range r.sessions {
		if deviceID != "" && s.DeviceID != deviceID {
			continue
		}
		recs = append(recs, &domain.ExportRecord{
			SessionID:      s.ID,
			DeviceID:       s.DeviceID,
			EmotionScore:   s.EmotionScore,
			Latitude:       s.Latitude,
			Longitude:      s.Longitude,
			EventTimestamp: s.EventTimestamp,
			HasVideo:       s.BlobID != nil,
			CreatedAt:      s.CreatedAt,
		})
	}
	return &sliceCursor{recs: recs}, nil
}

func (r *memRepo) Ping(context.Context) error { return nil }

type sliceCursor struct {
	recs []*domain.ExportRecord
	idx  int
}

func (c *sliceCursor) Next() bool {
	if c.idx >= len(c.recs) {
		return false
	}
	c.idx++
	return true
}

func (c *sliceCursor) Record() *domain.ExportRecord { return c.recs[c.idx-1] }
func (c *sliceCursor) Err() error                   { return nil }
func (c *sliceCursor) Close() error                 { return nil }

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
	meta map[string]*blob.Meta
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte), meta: make(map[string]*blob.Meta)}
}

func (b *memBlobs) Write(_ context.Context, r io.Reader, contentType string, maxBytes int64) (*blob.Meta, error) {
	if contentType != "video/mp4" && contentType != "video/quicktime" {
		return nil, blob.ErrUnsupportedType
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, blob.ErrTooLarge
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m := &blob.Meta{
		ID:          uuid.NewString(),
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		ChunkCount:  1,
		CreatedAt:   time.Now().UTC(),
	}
	b.data[m.ID] = data
	b.meta[m.ID] = m
	return m, nil
}

func (b *memBlobs) Open(_ context.Context, id string) (*blob.Meta, io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[id]
	if !ok {
		return nil, nil, blob.ErrNotFound
	}
	return m, io.NopCloser(bytes.NewReader(b.data[id])), nil
}

func (b *memBlobs) Stat(_ context.Context, id string) (*blob.Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.meta[id]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return m, nil
}

func (b *memBlobs) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.meta[id]; !ok {
		return blob.ErrNotFound
	}
	delete(b.meta, id)
	delete(b.data, id)
	return nil
}

func (b *memBlobs) Ping(context.Context) error { return nil }

func (b *memBlobs) ListCreatedBefore(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	svc := service.New(newMemRepo(), newMemBlobs(), 1<<20, 10*time.Second, nil, nil)
	srv := httptest.NewServer(NewHTTPServer(svc, nil, []string{"*"}).Handler())
	t.Cleanup(srv.Close)
	return srv, svc
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeSession(t *testing.T, resp *http.Response) sessionResponse {
	t.Helper()
	defer resp.Body.Close()
	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	return out
}

func createSessionAt(t *testing.T, baseURL, timestamp string) sessionResponse {
	t.Helper()
	resp := postJSON(t, baseURL+"/api/sessions",
		`{"device_id":"d1","emotion_score":4,"latitude":25.033,"longitude":121.565,"timestamp":"`+timestamp+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	return decodeSession(t, resp)
}

func createSession(t *testing.T, baseURL string) sessionResponse {
	t.Helper()
	return createSessionAt(t, baseURL, "2025-03-01T12:00:00Z")
}

func TestCreateSessionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	sess := createSession(t, srv.URL)
	if sess.ID == "" {
		t.Error("response should carry the assigned session ID")
	}
	if sess.VideoID != nil {
		t.Error("new session should have a null video_id")
	}
	if sess.Latitude == nil || *sess.Latitude != 25.033 {
		t.Errorf("latitude = %v", sess.Latitude)
	}
}

func TestCreateSessionEndpoint_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	testCases := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"device_id":`},
		{"score out of range", `{"device_id":"d1","emotion_score":9,"timestamp":"2025-03-01T12:00:00Z"}`},
		{"missing device", `{"emotion_score":3,"timestamp":"2025-03-01T12:00:00Z"}`},
		{"bad timestamp", `{"device_id":"d1","emotion_score":3,"timestamp":"yesterday"}`},
		{"lone latitude", `{"device_id":"d1","emotion_score":3,"latitude":25.0,"timestamp":"2025-03-01T12:00:00Z"}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/sessions", tc.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetSessionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)

	resp, err := http.Get(srv.URL + "/api/sessions/" + sess.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeSession(t, resp)
	if got.ID != sess.ID || got.DeviceID != "d1" {
		t.Errorf("session = %+v", got)
	}

	resp, err = http.Get(srv.URL + "/api/sessions/" + uuid.NewString())
	if err != nil {
		t.Fatalf("GET missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", resp.StatusCode)
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	createSession(t, srv.URL)
	createSession(t, srv.URL)

	resp, err := http.Get(srv.URL + "/api/sessions?device_id=d1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out []sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("got %d sessions, want 2", len(out))
	}

	resp, err = http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET without device_id: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing device_id status = %d, want 400", resp.StatusCode)
	}
}

func TestListSessionsEndpoint_Pagination(t *testing.T) {
	srv, _ := newTestServer(t)

	// Four sessions an hour apart; listing is newest-first.
	var ids []string
	for _, ts := range []string{
		"2025-03-01T09:00:00Z",
		"2025-03-01T10:00:00Z",
		"2025-03-01T11:00:00Z",
		"2025-03-01T12:00:00Z",
	} {
		ids = append(ids, createSessionAt(t, srv.URL, ts).ID)
	}

	fetch := func(query string) []sessionResponse {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/sessions?device_id=d1" + query)
		if err != nil {
			t.Fatalf("GET %s: %v", query, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", query, resp.StatusCode)
		}
		var out []sessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	page := fetch("&limit=2&skip=2")
	if len(page) != 2 {
		t.Fatalf("got %d sessions, want 2", len(page))
	}
	// skip=2 past the two newest leaves the 10:00 and 09:00 sessions.
	if page[0].ID != ids[1] || page[1].ID != ids[0] {
		t.Errorf("skip=2 page = [%s %s], want [%s %s]", page[0].ID, page[1].ID, ids[1], ids[0])
	}

	// "offset" stays accepted as an alias for "skip".
	alias := fetch("&limit=2&offset=2")
	if len(alias) != 2 || alias[0].ID != ids[1] {
		t.Errorf("offset alias returned a different page than skip")
	}

	if rest := fetch("&limit=10&skip=4"); len(rest) != 0 {
		t.Errorf("skip past the end returned %d sessions, want 0", len(rest))
	}
}

func TestAttachVideoEndpoint_RawBody(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)

	resp, err := http.Post(srv.URL+"/api/sessions/"+sess.ID+"/video", "video/mp4", strings.NewReader("fake-mp4-bytes"))
	if err != nil {
		t.Fatalf("POST video: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
		VideoID   string `json:"video_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.VideoID == "" || out.SessionID != sess.ID || out.Message == "" {
		t.Errorf("attach response = %+v", out)
	}

	// Exactly-once: second upload conflicts.
	resp, err = http.Post(srv.URL+"/api/sessions/"+sess.ID+"/video", "video/mp4", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("second POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second attach status = %d, want 409", resp.StatusCode)
	}
}

func TestAttachVideoEndpoint_Multipart(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="video"; filename="clip.mp4"`)
	hdr.Set("Content-Type", "video/mp4")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write([]byte("multipart-mp4")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/sessions/"+sess.ID+"/video", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST multipart: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got, err := http.Get(srv.URL + "/api/sessions/" + sess.ID + "/video")
	if err != nil {
		t.Fatalf("GET video: %v", err)
	}
	defer got.Body.Close()
	data, _ := io.ReadAll(got.Body)
	if string(data) != "multipart-mp4" {
		t.Errorf("video bytes = %q", data)
	}
}

func TestAttachVideoEndpoint_UnsupportedType(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)

	resp, err := http.Post(srv.URL+"/api/sessions/"+sess.ID+"/video", "text/plain", strings.NewReader("not a video"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestStreamVideoEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)

	// Before attach: 404.
	resp, err := http.Get(srv.URL + "/api/sessions/" + sess.ID + "/video")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no-video status = %d, want 404", resp.StatusCode)
	}

	up, err := http.Post(srv.URL+"/api/sessions/"+sess.ID+"/video", "video/mp4", strings.NewReader("streamed-bytes"))
	if err != nil {
		t.Fatalf("POST video: %v", err)
	}
	up.Body.Close()

	resp, err = http.Get(srv.URL + "/api/sessions/" + sess.ID + "/video")
	if err != nil {
		t.Fatalf("GET video: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cl := resp.Header.Get("Content-Length"); cl != fmt.Sprint(len("streamed-bytes")) {
		t.Errorf("Content-Length = %q", cl)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "streamed-bytes" {
		t.Errorf("body = %q", data)
	}
}

func TestDeleteSessionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	sess := createSession(t, srv.URL)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+sess.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestExportCSVEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	withVideo := createSessionAt(t, srv.URL, "2025-03-01T12:00:00Z")
	bare := createSessionAt(t, srv.URL, "2025-03-01T11:00:00Z")
	up, err := http.Post(srv.URL+"/api/sessions/"+withVideo.ID+"/video", "video/mp4", strings.NewReader("v"))
	if err != nil {
		t.Fatalf("POST video: %v", err)
	}
	up.Body.Close()

	resp, err := http.Get(srv.URL + "/api/sessions/export/csv")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d CSV lines, want header + 2 rows:\n%s", len(lines), body)
	}
	if lines[0] != strings.Join(csvHeader, ",") {
		t.Errorf("header = %q", lines[0])
	}
	rows := map[string]string{}
	for _, line := range lines[1:] {
		rows[strings.SplitN(line, ",", 2)[0]] = line
	}
	if row := rows[withVideo.ID]; !strings.Contains(row, ",yes,") {
		t.Errorf("session with video row = %q, want has_video yes", row)
	}
	if row := rows[bare.ID]; !strings.Contains(row, ",no,") {
		t.Errorf("session without video row = %q, want has_video no", row)
	}
}

func TestHealthEndpoint(t *testing.T) {
	svc := service.New(newMemRepo(), newMemBlobs(), 1<<20, time.Second, nil, nil)

	healthy := httptest.NewServer(NewHTTPServer(svc, func(*http.Request) error { return nil }, nil).Handler())
	defer healthy.Close()
	resp, err := http.Get(healthy.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", resp.StatusCode)
	}

	degraded := httptest.NewServer(NewHTTPServer(svc, func(*http.Request) error { return fmt.Errorf("db down") }, nil).Handler())
	defer degraded.Close()
	resp, err = http.Get(degraded.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health degraded: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
