package handlers

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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"langtest-server/db"
	"langtest-server/exam"
	"langtest-server/middleware"
	"langtest-server/models"
	"langtest-server/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubGateway struct {
	evaluation models.EvaluationResult
	transcript string
}

func (g *stubGateway) GenerateContent(ctx context.Context, user models.User, language, testType string, difficulty int) ([]models.QuestionDraft, error) {
	if testType == "speaking" {
		return []models.QuestionDraft{{QuestionText: "Was machst du gern?", QuestionType: models.QuestionAudioPrompt}}, nil
	}
	return []models.QuestionDraft{{QuestionText: "Wie heisst du?"}}, nil
}

func (g *stubGateway) EvaluateResponse(ctx context.Context, user models.User, response, question, testType string) (models.EvaluationResult, error) {
	return g.evaluation, nil
}

func (g *stubGateway) TranscribeAudio(ctx context.Context, user models.User, name string, audio io.Reader) (string, error) {
	return g.transcript, nil
}

type testServer struct {
	router    *gin.Engine
	store     *db.MemoryStore
	gw        *stubGateway
	uploadDir string
}

func newTestServer(t *testing.T, maxAudioBytes int64) *testServer {
	t.Helper()
	store := db.NewMemoryStore()
	uploadDir := t.TempDir()
	audio, err := storage.NewLocalStore(uploadDir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	gw := &stubGateway{evaluation: models.EvaluationResult{Score: 8, Feedback: "Sehr gut"}}
	deps := Deps{
		Store:         store,
		Service:       exam.NewService(store, gw, audio),
		Audio:         audio,
		MaxAudioBytes: maxAudioBytes,
		ReferenceFile: filepath.Join(t.TempDir(), "reference_data.yaml"),
	}

	r := gin.New()
	r.HTMLRender = NewRenderer("../templates")
	r.Use(middleware.ErrorHandler())
	RegisterAPI(r.Group("/api"), deps)
	RegisterAdmin(r.Group("/admin"), deps)
	return &testServer{router: r, store: store, gw: gw, uploadDir: uploadDir}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.serve(t, req)
}

func (s *testServer) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
		}
	}
	return w, out
}

func (s *testServer) newSession(t *testing.T) string {
	t.Helper()
	w, body := s.do(t, http.MethodPost, "/api/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session status = %d", w.Code)
	}
	return body["session_id"].(string)
}

func (s *testServer) startTest(t *testing.T, token, testType string) (int64, int64) {
	t.Helper()
	w, body := s.do(t, http.MethodPost, "/api/tests", gin.H{"session_id": token, "language": "de", "test_type": testType, "difficulty": 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("start test status = %d: %s", w.Code, w.Body.String())
	}
	questions := body["questions"].([]any)
	first := questions[0].(map[string]any)
	return int64(body["test_id"].(float64)), int64(first["id"].(float64))
}

type formFile struct {
	field, name, contentType string
	data                     []byte
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func multipartRequest(t *testing.T, path string, fields map[string]string, file *formFile) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.field, file.name))
		h.Set("Content-Type", file.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(file.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSessions(t *testing.T) {
	s := newTestServer(t, 10<<20)
	token := s.newSession(t)
	if token == "" {
		t.Fatal("empty session id")
	}

	w, body := s.do(t, http.MethodGet, "/api/sessions/"+token, nil)
	if w.Code != http.StatusOK || body["session_id"] != token {
		t.Fatalf("get session = %d %v", w.Code, body)
	}
	if _, ok := body["last_active"]; !ok {
		t.Error("last_active missing")
	}

	w, body = s.do(t, http.MethodGet, "/api/sessions/unknown", nil)
	if w.Code != http.StatusNotFound || body["message"] != "Session not found" {
		t.Fatalf("unknown session = %d %v", w.Code, body)
	}
}

func TestAPIKeys(t *testing.T) {
	s := newTestServer(t, 10<<20)
	token := s.newSession(t)
	other := s.newSession(t)
	secret := "sk-abcdefghijklmnopqrstuvwxyz123456"

	w, body := s.do(t, http.MethodPost, "/api/api-keys", gin.H{"session_id": token, "service_name": "openai", "api_key": "not-a-key"})
	if w.Code != http.StatusBadRequest || body["message"] != "Invalid API key format" {
		t.Fatalf("bad key = %d %v", w.Code, body)
	}

	w, body = s.do(t, http.MethodPost, "/api/api-keys", gin.H{"session_id": token, "service_name": "openai"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing key = %d %v", w.Code, body)
	}

	w, body = s.do(t, http.MethodPost, "/api/api-keys", gin.H{"session_id": token, "service_name": "openai", "api_key": secret})
	if w.Code != http.StatusOK || body["message"] != "API key saved successfully" || body["success"] != true {
		t.Fatalf("save key = %d %v", w.Code, body)
	}

	w, body = s.do(t, http.MethodGet, "/api/api-keys/"+token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list keys = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), secret) {
		t.Fatal("listing must not expose the secret")
	}
	keys := body["api_keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(keys))
	}
	key := keys[0].(map[string]any)
	if key["service_name"] != "openai" || key["is_active"] != true {
		t.Errorf("key = %v", key)
	}
	keyPath := fmt.Sprintf("/api/api-keys/%d", int64(key["id"].(float64)))

	w, body = s.do(t, http.MethodDelete, keyPath, gin.H{"session_id": other})
	if w.Code != http.StatusNotFound || body["message"] != "API key deletion failed" {
		t.Fatalf("delete by other = %d %v", w.Code, body)
	}
	w, _ = s.do(t, http.MethodDelete, keyPath, gin.H{"session_id": token})
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}
	w, _ = s.do(t, http.MethodDelete, "/api/api-keys/abc", gin.H{"session_id": token})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("delete bad id = %d", w.Code)
	}
}

func TestTestLifecycle(t *testing.T) {
	s := newTestServer(t, 10<<20)
	token := s.newSession(t)
	testID, questionID := s.startTest(t, token, "writing")

	req := multipartRequest(t, fmt.Sprintf("/api/tests/%d/responses", testID), map[string]string{
		"session_id":    token,
		"question_id":   fmt.Sprint(questionID),
		"response":      "Ich heisse Anna.",
		"response_time": "4.5",
	}, nil)
	w, body := s.serve(t, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("submit = %d %s", w.Code, w.Body.String())
	}
	if body["response_id"] == nil {
		t.Fatal("response_id missing")
	}
	evaluation := body["evaluation"].(map[string]any)
	if evaluation["score"] != 8.0 {
		t.Errorf("evaluation = %v", evaluation)
	}

	w, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/tests/%d/complete", testID), gin.H{"session_id": token})
	if w.Code != http.StatusOK {
		t.Fatalf("complete = %d %s", w.Code, w.Body.String())
	}
	if body["score"] != 8.0 || body["feedback"] != exam.FeedbackPlaceholder {
		t.Errorf("complete body = %v", body)
	}

	w, body = s.do(t, http.MethodPost, fmt.Sprintf("/api/tests/%d/complete", testID), gin.H{"session_id": token})
	if w.Code != http.StatusBadRequest || body["message"] != "Test session is not active" {
		t.Errorf("second complete = %d %v", w.Code, body)
	}
}

func TestStartTestErrors(t *testing.T) {
	s := newTestServer(t, 10<<20)
	token := s.newSession(t)

	tests := []struct {
		name    string
		body    any
		status  int
		message string
	}{
		{"missing fields", gin.H{"session_id": token}, http.StatusBadRequest, "Session ID, language, and test type are required"},
		{"unknown session", gin.H{"session_id": "nope", "language": "de", "test_type": "reading"}, http.StatusNotFound, "Session not found"},
		{"unsupported", gin.H{"session_id": token, "language": "xx", "test_type": "reading"}, http.StatusBadRequest, "Unsupported language or test type"},
		{"bad json", "not an object", http.StatusBadRequest, "Invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.do(t, http.MethodPost, "/api/tests", tt.body)
			if w.Code != tt.status || body["message"] != tt.message {
				t.Errorf("got %d %v, want %d %q", w.Code, body, tt.status, tt.message)
			}
		})
	}
}

func TestSubmitAudio(t *testing.T) {
	s := newTestServer(t, 64)
	s.gw.transcript = "Ich spiele gern Tennis."
	token := s.newSession(t)
	testID, questionID := s.startTest(t, token, "speaking")
	path := fmt.Sprintf("/api/tests/%d/responses", testID)
	fields := map[string]string{
		"session_id":             token,
		"question_id":            fmt.Sprint(questionID),
		"transcription_required": "true",
	}

	t.Run("rejects non-audio", func(t *testing.T) {
		req := multipartRequest(t, path, fields, &formFile{"audio", "notes.txt", "text/plain", []byte("hi")})
		w, body := s.serve(t, req)
		if w.Code != http.StatusBadRequest || body["message"] != "Only audio files are allowed" {
			t.Fatalf("got %d %v", w.Code, body)
		}
	})

	t.Run("rejects oversized audio", func(t *testing.T) {
		req := multipartRequest(t, path, fields, &formFile{"audio", "long.webm", "audio/webm", bytes.Repeat([]byte("a"), 65)})
		w, body := s.serve(t, req)
		if w.Code != http.StatusBadRequest || body["message"] != "Audio file exceeds the 64 bytes limit" {
			t.Fatalf("got %d %v", w.Code, body)
		}
	})

	t.Run("rejects declared oversized body unread", func(t *testing.T) {
		req := multipartRequest(t, path, fields, &formFile{"audio", "long.webm", "audio/webm", bytes.Repeat([]byte("a"), 5<<20)})
		counter := &countingReader{r: req.Body}
		req.Body = io.NopCloser(counter)
		w, body := s.serve(t, req)
		if w.Code != http.StatusBadRequest || body["message"] != "Audio file exceeds the 64 bytes limit" {
			t.Fatalf("got %d %v", w.Code, body)
		}
		if counter.n != 0 {
			t.Errorf("read %d body bytes, want none", counter.n)
		}
	})

	t.Run("stops reading an oversized streamed body", func(t *testing.T) {
		req := multipartRequest(t, path, fields, &formFile{"audio", "long.webm", "audio/webm", bytes.Repeat([]byte("a"), 5<<20)})
		counter := &countingReader{r: req.Body}
		req.Body = io.NopCloser(counter)
		req.ContentLength = -1
		w, body := s.serve(t, req)
		if w.Code != http.StatusBadRequest || body["message"] != "Audio file exceeds the 64 bytes limit" {
			t.Fatalf("got %d %v", w.Code, body)
		}
		if limit := int64(64 + formOverhead + 1); counter.n > limit {
			t.Errorf("read %d body bytes, want at most %d", counter.n, limit)
		}
		if entries, _ := os.ReadDir(s.uploadDir); len(entries) != 0 {
			t.Errorf("uploads = %v, want none", entries)
		}
	})

	t.Run("stores and transcribes", func(t *testing.T) {
		req := multipartRequest(t, path, fields, &formFile{"audio", "my answer.webm", "audio/webm", []byte("audio-bytes")})
		w, body := s.serve(t, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("got %d %s", w.Code, w.Body.String())
		}
		if body["evaluation"] == nil {
			t.Error("transcribed text should be evaluated")
		}
		entries, err := os.ReadDir(s.uploadDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), "-my_answer.webm") {
			t.Fatalf("uploads = %v", entries)
		}
		responses, _ := s.store.ListResponsesBySession(context.Background(), testID)
		if len(responses) != 1 || responses[0].ResponseText == nil || *responses[0].ResponseText != "Ich spiele gern Tennis." {
			t.Fatalf("responses = %+v", responses)
		}
	})

	t.Run("invalid test id", func(t *testing.T) {
		req := multipartRequest(t, "/api/tests/abc/responses", fields, nil)
		w, _ := s.serve(t, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("got %d", w.Code)
		}
	})
}

func TestAIEndpoints(t *testing.T) {
	s := newTestServer(t, 10<<20)
	token := s.newSession(t)

	w, body := s.do(t, http.MethodPost, "/api/ai/generate-content", gin.H{"session_id": token, "language": "en", "test_type": "reading"})
	if w.Code != http.StatusOK {
		t.Fatalf("generate = %d %s", w.Code, w.Body.String())
	}
	questions := body["questions"].([]any)
	if q := questions[0].(map[string]any); q["question_type"] != models.QuestionMultipleChoice {
		t.Errorf("question = %v", q)
	}

	w, body = s.do(t, http.MethodPost, "/api/ai/evaluate", gin.H{"session_id": token, "response": "Hello"})
	if w.Code != http.StatusOK || body["score"] != 8.0 || body["feedback"] != "Sehr gut" {
		t.Fatalf("evaluate = %d %v", w.Code, body)
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, 10<<20)
	w, body := s.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", w.Code, body)
	}
	w, body = s.do(t, http.MethodGet, "/api/ready", nil)
	if w.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready = %d %v", w.Code, body)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, 10<<20)
	token := s.newSession(t)
	s.startTest(t, token, "writing")

	w, body := s.do(t, http.MethodGet, "/admin/stats", nil)
	if w.Code != http.StatusOK || body["users"] != 1.0 || body["active_sessions"] != 1.0 {
		t.Fatalf("stats = %d %v", w.Code, body)
	}
	if body["average_score"] != nil {
		t.Errorf("average_score = %v, want null", body["average_score"])
	}

	w, _ = s.do(t, http.MethodGet, "/admin/dashboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard = %d", w.Code)
	}
	html := w.Body.String()
	if !strings.Contains(html, "Language Test Admin") || !strings.Contains(html, `<td id="users">1</td>`) {
		t.Errorf("dashboard html missing stats:\n%s", html)
	}

	w, body = s.do(t, http.MethodPost, "/admin/reference/sync", nil)
	if w.Code != http.StatusOK || body["languages"] != 2.0 {
		t.Fatalf("sync = %d %v", w.Code, body)
	}
}
