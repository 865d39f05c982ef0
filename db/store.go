package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"langtest-server/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrSessionClosed is returned when a test session is no longer active.
	ErrSessionClosed = errors.New("test session is not active")
)

// Store is the persistence access layer. Every method is atomic on its own; callers never
// need a transaction spanning two calls.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	CreateUser(ctx context.Context, token string) (models.User, error)
	GetUser(ctx context.Context, token string) (models.User, error)
	// TouchUser bumps last_active and returns the updated user.
	TouchUser(ctx context.Context, token string) (models.User, error)

	// GetLanguageByCode and GetTestTypeByName only return active rows.
	GetLanguageByCode(ctx context.Context, code string) (models.Language, error)
	GetTestTypeByName(ctx context.Context, name string) (models.TestType, error)
	UpsertLanguage(ctx context.Context, lang models.Language) error
	UpsertTestType(ctx context.Context, tt models.TestType) error

	CreateTestSession(ctx context.Context, userID, languageID, testTypeID int64) (models.TestSession, error)
	GetTestSession(ctx context.Context, id int64) (models.TestSession, error)
	// CompleteTestSession moves an active session to completed. It returns ErrSessionClosed
	// if the session is not active any more.
	CompleteTestSession(ctx context.Context, id int64, score float64, completedAt time.Time) error

	// AddQuestions inserts all drafts in one transaction and returns them in order.
	AddQuestions(ctx context.Context, sessionID int64, drafts []models.QuestionDraft) ([]models.Question, error)
	ListQuestions(ctx context.Context, sessionID int64) ([]models.Question, error)
	GetQuestion(ctx context.Context, id int64) (models.Question, error)

	AddResponse(ctx context.Context, r models.Response) (models.Response, error)
	UpdateResponseScore(ctx context.Context, id int64, score float64, feedback string) error
	// ListResponsesBySession joins through test_questions, ordered by response id.
	ListResponsesBySession(ctx context.Context, sessionID int64) ([]models.Response, error)
	AddEvaluation(ctx context.Context, responseID int64, metrics json.RawMessage, confidence *float64) (int64, error)

	// SaveAPIKey upserts on (user, service), reactivating the key and clearing last_used.
	SaveAPIKey(ctx context.Context, userID int64, service, secret string) error
	ListAPIKeys(ctx context.Context, userID int64) ([]models.APIKey, error)
	// DeleteAPIKey reports whether a key owned by userID was removed.
	DeleteAPIKey(ctx context.Context, keyID, userID int64) (bool, error)
	GetActiveAPIKey(ctx context.Context, userID int64, service string) (models.APIKey, error)
	MarkAPIKeyUsed(ctx context.Context, keyID int64, at time.Time) error

	DashboardStats(ctx context.Context) (models.DashboardStats, error)
}

// Open connects to the configured driver, creates the schema and seeds default reference data.
func Open(ctx context.Context, driver, url string) (Store, error) {
	switch driver {
	case "postgres":
		pool, err := InitDB(url)
		if err != nil {
			return nil, err
		}
		if err := CreateSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPostgresStore(pool), nil
	case "sqlite":
		store, err := OpenSQLite(ctx, url)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// SeedReferenceData upserts every language and test type in data.
func SeedReferenceData(ctx context.Context, store Store, data models.ReferenceData) error {
	for _, lang := range data.Languages {
		if err := store.UpsertLanguage(ctx, lang); err != nil {
			return fmt.Errorf("failed to upsert language %s: %w", lang.Code, err)
		}
	}
	for _, tt := range data.TestTypes {
		if err := store.UpsertTestType(ctx, tt); err != nil {
			return fmt.Errorf("failed to upsert test type %s: %w", tt.Name, err)
		}
	}
	return nil
}

// DefaultReferenceData is what a fresh database starts with.
func DefaultReferenceData() models.ReferenceData {
	return models.ReferenceData{
		Languages: []models.Language{
			{Code: "de", Name: "German", IsActive: true},
			{Code: "en", Name: "English", IsActive: true},
		},
		TestTypes: []models.TestType{
			{Name: "reading", Description: "Reading comprehension exercises", IsActive: true},
			{Name: "writing", Description: "Writing prompts and evaluation", IsActive: true},
			{Name: "speaking", Description: "Speaking prompts with audio responses", IsActive: true},
		},
	}
}

func metricsText(metrics json.RawMessage) string {
	if len(metrics) == 0 {
		return "{}"
	}
	return string(metrics)
}
