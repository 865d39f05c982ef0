package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"langtest-server/db"
	"langtest-server/models"
	"langtest-server/utils"
)

type fakeKeys struct {
	mu     sync.Mutex
	keys   map[int64]models.APIKey
	marked []int64
}

func (f *fakeKeys) GetActiveAPIKey(ctx context.Context, userID int64, service string) (models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[userID]
	if !ok || k.ServiceName != service || !k.IsActive {
		return models.APIKey{}, db.ErrNotFound
	}
	return k, nil
}

func (f *fakeKeys) MarkAPIKeyUsed(ctx context.Context, keyID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, keyID)
	return nil
}

type capturedRequest struct {
	Auth        string
	Path        string
	Model       string
	Temperature float64
	Prompt      string
}

// newFakeOpenAI serves chat completions with the given assistant content and transcriptions with
// the given text.
func newFakeOpenAI(t *testing.T, content, transcript string, status int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := capturedRequest{Auth: r.Header.Get("Authorization"), Path: r.URL.Path}
		var reply any

		switch {
		case status != http.StatusOK:
		case r.URL.Path == "/v1/chat/completions":
			var body struct {
				Model       string  `json:"model"`
				Temperature float64 `json:"temperature"`
				Messages    []struct {
					Content string `json:"content"`
				} `json:"messages"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			c.Model = body.Model
			c.Temperature = body.Temperature
			if len(body.Messages) > 0 {
				c.Prompt = body.Messages[0].Content
			}
			reply = map[string]any{
				"id":      "chatcmpl-test",
				"object":  "chat.completion",
				"created": 1700000000,
				"model":   body.Model,
				"choices": []map[string]any{{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": content},
					"finish_reason": "stop",
				}},
			}
		case r.URL.Path == "/v1/audio/transcriptions":
			if err := r.ParseMultipartForm(1 << 20); err == nil {
				c.Model = r.FormValue("model")
			}
			reply = map[string]string{"text": transcript}
		}

		// Record before replying so the client never observes a missing entry.
		mu.Lock()
		captured = append(captured, c)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if reply == nil {
			code := status
			if code == http.StatusOK {
				code = http.StatusNotFound
			}
			w.WriteHeader(code)
			w.Write([]byte(`{"error":{"message":"upstream failure","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func newTestGateway(srv *httptest.Server, keys *fakeKeys) *OpenAIGateway {
	return NewOpenAIGateway(keys, Options{BaseURL: srv.URL + "/v1", Timeout: 5 * time.Second})
}

func keysFor(userID int64) *fakeKeys {
	return &fakeKeys{keys: map[int64]models.APIKey{
		userID: {ID: 11, UserID: userID, ServiceName: ServiceName, Secret: "sk-testtesttesttesttest", IsActive: true},
	}}
}

func TestGenerateContent(t *testing.T) {
	srv, captured := newFakeOpenAI(t, `[{"question_text":"Beschreibe dein Zimmer.","question_type":"open_ended","difficulty_level":2}]`, "", http.StatusOK)
	keys := keysFor(1)
	g := newTestGateway(srv, keys)

	drafts, err := g.GenerateContent(context.Background(), models.User{ID: 1}, "de", "writing", 2)
	if err != nil {
		t.Fatalf("GenerateContent() error = %v", err)
	}
	if len(drafts) != 1 || drafts[0].QuestionText != "Beschreibe dein Zimmer." {
		t.Errorf("GenerateContent() = %+v", drafts)
	}

	req := (*captured)[0]
	if req.Auth != "Bearer sk-testtesttesttesttest" {
		t.Errorf("Authorization = %q", req.Auth)
	}
	if req.Model != "gpt-4.1-mini" {
		t.Errorf("model = %q, want gpt-4.1-mini", req.Model)
	}
	if req.Temperature < 0.69 || req.Temperature > 0.71 {
		t.Errorf("temperature = %v, want 0.7", req.Temperature)
	}
	if !strings.Contains(req.Prompt, "Generate writing practice questions for a de learner at difficulty level 2.") {
		t.Errorf("prompt = %q", req.Prompt)
	}
	if len(keys.marked) != 1 || keys.marked[0] != 11 {
		t.Errorf("marked = %v, want [11]", keys.marked)
	}
}

func TestGenerateContentMalformedOutput(t *testing.T) {
	srv, _ := newFakeOpenAI(t, "Sure! Here are three questions.", "", http.StatusOK)
	g := newTestGateway(srv, keysFor(1))

	_, err := g.GenerateContent(context.Background(), models.User{ID: 1}, "en", "reading", 1)
	if !utils.IsKind(err, utils.KindGateway) {
		t.Errorf("GenerateContent() error = %v, want GatewayError", err)
	}
}

func TestEvaluateResponse(t *testing.T) {
	srv, captured := newFakeOpenAI(t, `{"score":8,"feedback":"Sehr gut","metrics":{"fluency":9},"confidence_score":0.75}`, "", http.StatusOK)
	g := newTestGateway(srv, keysFor(1))

	got, err := g.EvaluateResponse(context.Background(), models.User{ID: 1}, "Ich lese gern.", "Was machst du gern?", "open_ended")
	if err != nil {
		t.Fatalf("EvaluateResponse() error = %v", err)
	}
	if got.Score != 8 || got.Feedback != "Sehr gut" {
		t.Errorf("EvaluateResponse() = %+v", got)
	}
	if got.ConfidenceScore == nil || *got.ConfidenceScore != 0.75 {
		t.Errorf("ConfidenceScore = %v, want 0.75", got.ConfidenceScore)
	}

	req := (*captured)[0]
	if req.Temperature < 0.19 || req.Temperature > 0.21 {
		t.Errorf("temperature = %v, want 0.2", req.Temperature)
	}
	want := "You are grading a language open_ended test. Question: Was machst du gern?. Learner response: Ich lese gern.."
	if !strings.HasPrefix(req.Prompt, want) {
		t.Errorf("prompt = %q, want prefix %q", req.Prompt, want)
	}
}

func TestTranscribeAudio(t *testing.T) {
	srv, captured := newFakeOpenAI(t, "", "Ich spiele gern Fußball.", http.StatusOK)
	g := newTestGateway(srv, keysFor(1))

	text, err := g.TranscribeAudio(context.Background(), models.User{ID: 1}, "answer.webm", strings.NewReader("fake-audio"))
	if err != nil {
		t.Fatalf("TranscribeAudio() error = %v", err)
	}
	if text != "Ich spiele gern Fußball." {
		t.Errorf("TranscribeAudio() = %q", text)
	}
	if (*captured)[0].Model != "whisper-1" {
		t.Errorf("model = %q, want whisper-1", (*captured)[0].Model)
	}
}

func TestMissingCredentialMakesNoRequest(t *testing.T) {
	srv, captured := newFakeOpenAI(t, "[]", "", http.StatusOK)
	g := newTestGateway(srv, &fakeKeys{keys: map[int64]models.APIKey{}})

	_, err := g.GenerateContent(context.Background(), models.User{ID: 7}, "de", "reading", 1)
	if !utils.IsKind(err, utils.KindCredentialMissing) {
		t.Fatalf("GenerateContent() error = %v, want CredentialMissing", err)
	}
	if err.Error() != "OpenAI API key not configured for this session" {
		t.Errorf("message = %q", err.Error())
	}
	if len(*captured) != 0 {
		t.Errorf("expected no upstream calls, got %d", len(*captured))
	}
}

func TestUpstreamFailureIsGatewayError(t *testing.T) {
	srv, _ := newFakeOpenAI(t, "", "", http.StatusInternalServerError)
	g := newTestGateway(srv, keysFor(1))

	_, err := g.EvaluateResponse(context.Background(), models.User{ID: 1}, "a", "b", "open_ended")
	if !utils.IsKind(err, utils.KindGateway) {
		t.Errorf("EvaluateResponse() error = %v, want GatewayError", err)
	}
	_, err = g.TranscribeAudio(context.Background(), models.User{ID: 1}, "a.mp3", strings.NewReader("x"))
	if !utils.IsKind(err, utils.KindGateway) {
		t.Errorf("TranscribeAudio() error = %v, want GatewayError", err)
	}
}
