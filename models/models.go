package models

import (
	"encoding/json"
	"time"
)

// Question types.
const (
	QuestionMultipleChoice = "multiple_choice"
	QuestionOpenEnded      = "open_ended"
	QuestionAudioPrompt    = "audio_prompt"
)

// Test session statuses. StatusAbandoned is reserved, nothing sets it.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// User is an anonymous learner identified by an opaque session token.
type User struct {
	ID         int64     `json:"id" db:"id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastActive time.Time `json:"last_active" db:"last_active"`
}

// Language is seeded reference data.
type Language struct {
	ID       int64  `json:"id" db:"id"`
	Code     string `json:"code" db:"code"`
	Name     string `json:"name" db:"name"`
	IsActive bool   `json:"is_active" db:"is_active"`
}

// TestType is seeded reference data ("reading", "writing", "speaking").
type TestType struct {
	ID          int64  `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
	IsActive    bool   `json:"is_active" db:"is_active"`
}

// TestSession is one attempt at a language test.
type TestSession struct {
	ID          int64      `json:"id" db:"id"`
	UserID      int64      `json:"user_id" db:"user_id"`
	LanguageID  int64      `json:"language_id" db:"language_id"`
	TestTypeID  int64      `json:"test_type_id" db:"test_type_id"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"` // Pointer to allow NULL
	Score       *float64   `json:"score" db:"score"`
	Status      string     `json:"status" db:"status"`
}

// Question belongs to exactly one test session and never changes after insert.
type Question struct {
	ID              int64     `json:"id" db:"id"`
	SessionID       int64     `json:"session_id" db:"session_id"`
	QuestionText    string    `json:"question_text" db:"question_text"`
	QuestionType    string    `json:"question_type" db:"question_type"`
	DifficultyLevel int       `json:"difficulty_level" db:"difficulty_level"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// QuestionDraft is a question that has not been persisted yet, either generated or fallback.
// Empty type and zero difficulty mean the generator left them out.
type QuestionDraft struct {
	QuestionText    string `json:"question_text"`
	QuestionType    string `json:"question_type,omitempty"`
	DifficultyLevel int    `json:"difficulty_level,omitempty"`
}

// Response is a learner's answer to a question.
type Response struct {
	ID            int64     `json:"id" db:"id"`
	QuestionID    int64     `json:"question_id" db:"question_id"`
	ResponseText  *string   `json:"response_text" db:"response_text"`
	AudioFilePath *string   `json:"audio_file_path" db:"audio_file_path"`
	Score         *float64  `json:"score" db:"score"`
	Feedback      *string   `json:"feedback" db:"feedback"`
	ResponseTime  *float64  `json:"response_time" db:"response_time"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Evaluation stores the grader's structured output for one response.
type Evaluation struct {
	ID                int64           `json:"id" db:"id"`
	ResponseID        int64           `json:"response_id" db:"response_id"`
	EvaluationMetrics json.RawMessage `json:"evaluation_metrics" db:"evaluation_metrics"`
	ConfidenceScore   *float64        `json:"confidence_score" db:"confidence_score"`
	EvaluationTime    time.Time       `json:"evaluation_time" db:"evaluation_time"`
}

// APIKey is a per-user credential for an external service. Secret is never serialized.
type APIKey struct {
	ID          int64      `json:"id" db:"id"`
	UserID      int64      `json:"-" db:"user_id"`
	ServiceName string     `json:"service_name" db:"service_name"`
	Secret      string     `json:"-" db:"api_key"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	LastUsed    *time.Time `json:"last_used" db:"last_used"`
}

// EvaluationResult is what the grader returns for a single response.
type EvaluationResult struct {
	Score           float64         `json:"score"`
	Feedback        string          `json:"feedback"`
	Metrics         json.RawMessage `json:"metrics,omitempty"`
	ConfidenceScore *float64        `json:"confidence_score,omitempty"`
}

// DashboardStats feeds the admin dashboard.
type DashboardStats struct {
	Users             int      `json:"users"`
	ActiveSessions    int      `json:"active_sessions"`
	CompletedSessions int      `json:"completed_sessions"`
	AverageScore      *float64 `json:"average_score"`
	Responses         int      `json:"responses"`
	Evaluations       int      `json:"evaluations"`
}

// ReferenceData is the full set of languages and test types to sync.
type ReferenceData struct {
	Languages []Language
	TestTypes []TestType
}

// --- API request/response bodies ---

// SessionResponse is returned by GET /api/sessions/:sessionId.
type SessionResponse struct {
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// SaveAPIKeyRequest is the body of POST /api/api-keys.
type SaveAPIKeyRequest struct {
	SessionID   string `json:"session_id"`
	ServiceName string `json:"service_name"`
	APIKey      string `json:"api_key"`
}

// SessionOnlyRequest carries just the caller's token (delete key, complete test).
type SessionOnlyRequest struct {
	SessionID string `json:"session_id"`
}

// StartTestRequest is the body of POST /api/tests and POST /api/ai/generate-content.
type StartTestRequest struct {
	SessionID  string `json:"session_id"`
	Language   string `json:"language"`
	TestType   string `json:"test_type"`
	Difficulty int    `json:"difficulty"`
}

// StartTestResponse is returned after a test session is created.
type StartTestResponse struct {
	TestID    int64      `json:"test_id"`
	Questions []Question `json:"questions"`
}

// SubmitResponseResult is returned after a response is stored.
type SubmitResponseResult struct {
	ResponseID int64             `json:"response_id"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
}

// CompleteTestResult is returned when a test session is closed.
type CompleteTestResult struct {
	Score     float64    `json:"score"`
	Feedback  string     `json:"feedback"`
	Questions []Question `json:"questions"`
	Responses []Response `json:"responses"`
}

// EvaluateRequest is the body of POST /api/ai/evaluate.
type EvaluateRequest struct {
	SessionID  string `json:"session_id"`
	QuestionID int64  `json:"question_id"`
	Response   string `json:"response"`
	Type       string `json:"type"`
}
