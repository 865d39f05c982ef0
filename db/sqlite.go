package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"langtest-server/models"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_active TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS languages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS test_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS test_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		language_id INTEGER NOT NULL REFERENCES languages(id),
		test_type_id INTEGER NOT NULL REFERENCES test_types(id),
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		score DECIMAL(5,2),
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'abandoned'))
	)`,
	`CREATE TABLE IF NOT EXISTS test_questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES test_sessions(id),
		question_text TEXT NOT NULL,
		question_type TEXT NOT NULL CHECK (question_type IN ('multiple_choice', 'open_ended', 'audio_prompt')),
		difficulty_level INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_test_questions_session ON test_questions(session_id)`,
	`CREATE TABLE IF NOT EXISTS user_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id INTEGER NOT NULL REFERENCES test_questions(id),
		response_text TEXT,
		audio_file_path TEXT,
		score REAL,
		feedback TEXT,
		response_time REAL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_responses_question ON user_responses(question_id)`,
	`CREATE TABLE IF NOT EXISTS ai_evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		response_id INTEGER NOT NULL REFERENCES user_responses(id),
		evaluation_metrics TEXT NOT NULL,
		confidence_score REAL,
		evaluation_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS user_api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		service_name TEXT NOT NULL,
		api_key TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used TIMESTAMP,
		UNIQUE (user_id, service_name)
	)`,
}

// SQLiteStore implements Store on a single SQLite file via sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) the database at path, applies the schema and seeds defaults.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers anyway; one connection keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("Successfully opened SQLite database at %s", path)
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error executing schema SQL: %w", err)
		}
	}

	defaults := DefaultReferenceData()
	for _, lang := range defaults.Languages {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO languages (code, name, is_active) VALUES (?, ?, ?)
			ON CONFLICT (code) DO NOTHING
		`, lang.Code, lang.Name, lang.IsActive)
		if err != nil {
			log.Printf("WARN: Failed to insert default language %s: %v", lang.Code, err)
		}
	}
	for _, tt := range defaults.TestTypes {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO test_types (name, description, is_active) VALUES (?, ?, ?)
			ON CONFLICT (name) DO NOTHING
		`, tt.Name, tt.Description, tt.IsActive)
		if err != nil {
			log.Printf("WARN: Failed to insert default test type %s: %v", tt.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStore) CreateUser(ctx context.Context, token string) (models.User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (session_id, created_at, last_active) VALUES (?, ?, ?)`, token, now, now)
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.User{}, err
	}
	return models.User{ID: id, SessionID: token, CreatedAt: now, LastActive: now}, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, token string) (models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT id, session_id, created_at, last_active FROM users WHERE session_id = ?`, token)
	return u, noRows(err)
}

func (s *SQLiteStore) TouchUser(ctx context.Context, token string) (models.User, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_active = ? WHERE session_id = ?`, time.Now().UTC(), token)
	if err != nil {
		return models.User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.User{}, ErrNotFound
	}
	return s.GetUser(ctx, token)
}

func (s *SQLiteStore) GetLanguageByCode(ctx context.Context, code string) (models.Language, error) {
	var l models.Language
	err := s.db.GetContext(ctx, &l, `SELECT id, code, name, is_active FROM languages WHERE code = ? AND is_active = 1`, code)
	return l, noRows(err)
}

func (s *SQLiteStore) GetTestTypeByName(ctx context.Context, name string) (models.TestType, error) {
	var t models.TestType
	err := s.db.GetContext(ctx, &t, `SELECT id, name, description, is_active FROM test_types WHERE name = ? AND is_active = 1`, name)
	return t, noRows(err)
}

func (s *SQLiteStore) UpsertLanguage(ctx context.Context, lang models.Language) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO languages (code, name, is_active) VALUES (?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET name = excluded.name, is_active = excluded.is_active
	`, lang.Code, lang.Name, lang.IsActive)
	return err
}

func (s *SQLiteStore) UpsertTestType(ctx context.Context, tt models.TestType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_types (name, description, is_active) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET description = excluded.description, is_active = excluded.is_active
	`, tt.Name, tt.Description, tt.IsActive)
	return err
}

func (s *SQLiteStore) CreateTestSession(ctx context.Context, userID, languageID, testTypeID int64) (models.TestSession, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO test_sessions (user_id, language_id, test_type_id, started_at, status)
		VALUES (?, ?, ?, ?, 'active')
	`, userID, languageID, testTypeID, now)
	if err != nil {
		return models.TestSession{}, fmt.Errorf("insert test session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.TestSession{}, err
	}
	return models.TestSession{
		ID:         id,
		UserID:     userID,
		LanguageID: languageID,
		TestTypeID: testTypeID,
		StartedAt:  now,
		Status:     models.StatusActive,
	}, nil
}

func (s *SQLiteStore) GetTestSession(ctx context.Context, id int64) (models.TestSession, error) {
	var ts models.TestSession
	err := s.db.GetContext(ctx, &ts, `
		SELECT id, user_id, language_id, test_type_id, started_at, completed_at, score, status
		FROM test_sessions WHERE id = ?
	`, id)
	return ts, noRows(err)
}

func (s *SQLiteStore) CompleteTestSession(ctx context.Context, id int64, score float64, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE test_sessions SET score = ?, status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'active'
	`, score, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionClosed
	}
	return nil
}

func (s *SQLiteStore) AddQuestions(ctx context.Context, sessionID int64, drafts []models.QuestionDraft) ([]models.Question, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	created := make([]models.Question, 0, len(drafts))
	for _, d := range drafts {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO test_questions (session_id, question_text, question_type, difficulty_level, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, d.QuestionText, d.QuestionType, d.DifficultyLevel, now)
		if err != nil {
			return nil, fmt.Errorf("insert question: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		created = append(created, models.Question{
			ID:              id,
			SessionID:       sessionID,
			QuestionText:    d.QuestionText,
			QuestionType:    d.QuestionType,
			DifficultyLevel: d.DifficultyLevel,
			CreatedAt:       now,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *SQLiteStore) ListQuestions(ctx context.Context, sessionID int64) ([]models.Question, error) {
	questions := []models.Question{}
	err := s.db.SelectContext(ctx, &questions, `
		SELECT id, session_id, question_text, question_type, difficulty_level, created_at
		FROM test_questions WHERE session_id = ? ORDER BY id
	`, sessionID)
	return questions, err
}

func (s *SQLiteStore) GetQuestion(ctx context.Context, id int64) (models.Question, error) {
	var q models.Question
	err := s.db.GetContext(ctx, &q, `
		SELECT id, session_id, question_text, question_type, difficulty_level, created_at
		FROM test_questions WHERE id = ?
	`, id)
	return q, noRows(err)
}

func (s *SQLiteStore) AddResponse(ctx context.Context, r models.Response) (models.Response, error) {
	r.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_responses (question_id, response_text, audio_file_path, response_time, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.QuestionID, r.ResponseText, r.AudioFilePath, r.ResponseTime, r.CreatedAt)
	if err != nil {
		return r, fmt.Errorf("insert response: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return r, err
}

func (s *SQLiteStore) UpdateResponseScore(ctx context.Context, id int64, score float64, feedback string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE user_responses SET score = ?, feedback = ? WHERE id = ?`, score, feedback, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListResponsesBySession(ctx context.Context, sessionID int64) ([]models.Response, error) {
	responses := []models.Response{}
	err := s.db.SelectContext(ctx, &responses, `
		SELECT ur.id, ur.question_id, ur.response_text, ur.audio_file_path, ur.score, ur.feedback,
			ur.response_time, ur.created_at
		FROM user_responses ur
		JOIN test_questions tq ON tq.id = ur.question_id
		WHERE tq.session_id = ?
		ORDER BY ur.id
	`, sessionID)
	return responses, err
}

func (s *SQLiteStore) AddEvaluation(ctx context.Context, responseID int64, metrics json.RawMessage, confidence *float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_evaluations (response_id, evaluation_metrics, confidence_score, evaluation_time)
		VALUES (?, ?, ?, ?)
	`, responseID, metricsText(metrics), confidence, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) SaveAPIKey(ctx context.Context, userID int64, service, secret string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_api_keys (user_id, service_name, api_key, is_active, created_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (user_id, service_name) DO UPDATE SET
			api_key = excluded.api_key,
			is_active = 1,
			last_used = NULL
	`, userID, service, secret, time.Now().UTC())
	return err
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context, userID int64) ([]models.APIKey, error) {
	keys := []models.APIKey{}
	err := s.db.SelectContext(ctx, &keys, `
		SELECT id, user_id, service_name, api_key, is_active, created_at, last_used
		FROM user_api_keys WHERE user_id = ? ORDER BY id
	`, userID)
	return keys, err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, keyID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_api_keys WHERE id = ? AND user_id = ?`, keyID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) GetActiveAPIKey(ctx context.Context, userID int64, service string) (models.APIKey, error) {
	var k models.APIKey
	err := s.db.GetContext(ctx, &k, `
		SELECT id, user_id, service_name, api_key, is_active, created_at, last_used
		FROM user_api_keys WHERE user_id = ? AND service_name = ? AND is_active = 1
	`, userID, service)
	return k, noRows(err)
}

func (s *SQLiteStore) MarkAPIKeyUsed(ctx context.Context, keyID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_api_keys SET last_used = ? WHERE id = ?`, at, keyID)
	return err
}

func (s *SQLiteStore) DashboardStats(ctx context.Context) (models.DashboardStats, error) {
	var row struct {
		Users             int             `db:"users"`
		ActiveSessions    int             `db:"active_sessions"`
		CompletedSessions int             `db:"completed_sessions"`
		AverageScore      sql.NullFloat64 `db:"average_score"`
		Responses         int             `db:"responses"`
		Evaluations       int             `db:"evaluations"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT
			(SELECT COUNT(*) FROM users) AS users,
			(SELECT COUNT(*) FROM test_sessions WHERE status = 'active') AS active_sessions,
			(SELECT COUNT(*) FROM test_sessions WHERE status = 'completed') AS completed_sessions,
			(SELECT AVG(score) FROM test_sessions WHERE status = 'completed') AS average_score,
			(SELECT COUNT(*) FROM user_responses) AS responses,
			(SELECT COUNT(*) FROM ai_evaluations) AS evaluations
	`)
	if err != nil {
		return models.DashboardStats{}, err
	}
	st := models.DashboardStats{
		Users:             row.Users,
		ActiveSessions:    row.ActiveSessions,
		CompletedSessions: row.CompletedSessions,
		Responses:         row.Responses,
		Evaluations:       row.Evaluations,
	}
	if row.AverageScore.Valid {
		st.AverageScore = &row.AverageScore.Float64
	}
	return st, nil
}
