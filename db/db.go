package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"langtest-server/models"
)

// InitDB initializes the PostgreSQL database connection pool
func InitDB(connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Ping the database to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL database!")
	return pool, nil
}

// CreateSchema sets up the tables and seeds the default languages and test types.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schemaSQL := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL UNIQUE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_active TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS languages (
		id BIGSERIAL PRIMARY KEY,
		code VARCHAR(10) NOT NULL UNIQUE,
		name VARCHAR(100) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS test_types (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(50) NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS test_sessions (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		language_id BIGINT NOT NULL REFERENCES languages(id),
		test_type_id BIGINT NOT NULL REFERENCES test_types(id),
		started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP WITH TIME ZONE,
		score NUMERIC(5,2),
		status VARCHAR(20) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'abandoned'))
	);

	CREATE TABLE IF NOT EXISTS test_questions (
		id BIGSERIAL PRIMARY KEY,
		session_id BIGINT NOT NULL REFERENCES test_sessions(id),
		question_text TEXT NOT NULL,
		question_type VARCHAR(50) NOT NULL CHECK (question_type IN ('multiple_choice', 'open_ended', 'audio_prompt')),
		difficulty_level INT NOT NULL DEFAULT 1,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_test_questions_session ON test_questions(session_id);

	CREATE TABLE IF NOT EXISTS user_responses (
		id BIGSERIAL PRIMARY KEY,
		question_id BIGINT NOT NULL REFERENCES test_questions(id),
		response_text TEXT,
		audio_file_path TEXT,
		score DOUBLE PRECISION,
		feedback TEXT,
		response_time DOUBLE PRECISION,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_user_responses_question ON user_responses(question_id);

	CREATE TABLE IF NOT EXISTS ai_evaluations (
		id BIGSERIAL PRIMARY KEY,
		response_id BIGINT NOT NULL REFERENCES user_responses(id),
		evaluation_metrics TEXT NOT NULL,
		confidence_score DOUBLE PRECISION,
		evaluation_time TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_api_keys (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		service_name VARCHAR(50) NOT NULL,
		api_key TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used TIMESTAMP WITH TIME ZONE,
		UNIQUE (user_id, service_name)
	);
	`
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("error executing schema SQL: %w", err)
	}

	// Insert default reference data if not already present
	defaults := DefaultReferenceData()
	for _, lang := range defaults.Languages {
		_, err := pool.Exec(ctx, `
			INSERT INTO languages (code, name, is_active) VALUES ($1, $2, $3)
			ON CONFLICT (code) DO NOTHING
		`, lang.Code, lang.Name, lang.IsActive)
		if err != nil {
			log.Printf("WARN: Failed to insert default language %s: %v", lang.Code, err)
		}
	}
	for _, tt := range defaults.TestTypes {
		_, err := pool.Exec(ctx, `
			INSERT INTO test_types (name, description, is_active) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO NOTHING
		`, tt.Name, tt.Description, tt.IsActive)
		if err != nil {
			log.Printf("WARN: Failed to insert default test type %s: %v", tt.Name, err)
		}
	}
	return nil
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, token string) (models.User, error) {
	var u models.User
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (session_id, created_at, last_active) VALUES ($1, $2, $2)
		RETURNING id, session_id, created_at, last_active
	`, token, now).Scan(&u.ID, &u.SessionID, &u.CreatedAt, &u.LastActive)
	if err != nil {
		return u, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, token string) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, created_at, last_active FROM users WHERE session_id = $1
	`, token).Scan(&u.ID, &u.SessionID, &u.CreatedAt, &u.LastActive)
	return u, notFound(err)
}

func (s *PostgresStore) TouchUser(ctx context.Context, token string) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		UPDATE users SET last_active = $2 WHERE session_id = $1
		RETURNING id, session_id, created_at, last_active
	`, token, time.Now().UTC()).Scan(&u.ID, &u.SessionID, &u.CreatedAt, &u.LastActive)
	return u, notFound(err)
}

func (s *PostgresStore) GetLanguageByCode(ctx context.Context, code string) (models.Language, error) {
	var l models.Language
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, name, is_active FROM languages WHERE code = $1 AND is_active = TRUE
	`, code).Scan(&l.ID, &l.Code, &l.Name, &l.IsActive)
	return l, notFound(err)
}

func (s *PostgresStore) GetTestTypeByName(ctx context.Context, name string) (models.TestType, error) {
	var t models.TestType
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, is_active FROM test_types WHERE name = $1 AND is_active = TRUE
	`, name).Scan(&t.ID, &t.Name, &t.Description, &t.IsActive)
	return t, notFound(err)
}

func (s *PostgresStore) UpsertLanguage(ctx context.Context, lang models.Language) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO languages (code, name, is_active) VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, is_active = EXCLUDED.is_active
	`, lang.Code, lang.Name, lang.IsActive)
	return err
}

func (s *PostgresStore) UpsertTestType(ctx context.Context, tt models.TestType) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO test_types (name, description, is_active) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, is_active = EXCLUDED.is_active
	`, tt.Name, tt.Description, tt.IsActive)
	return err
}

const sessionColumns = `id, user_id, language_id, test_type_id, started_at, completed_at, score::float8 AS score, status`

func (s *PostgresStore) CreateTestSession(ctx context.Context, userID, languageID, testTypeID int64) (models.TestSession, error) {
	rows, err := s.pool.Query(ctx, `
		INSERT INTO test_sessions (user_id, language_id, test_type_id, started_at, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING `+sessionColumns,
		userID, languageID, testTypeID, time.Now().UTC())
	if err != nil {
		return models.TestSession{}, fmt.Errorf("insert test session: %w", err)
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.TestSession])
}

func (s *PostgresStore) GetTestSession(ctx context.Context, id int64) (models.TestSession, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM test_sessions WHERE id = $1`, id)
	if err != nil {
		return models.TestSession{}, err
	}
	ts, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.TestSession])
	return ts, notFound(err)
}

func (s *PostgresStore) CompleteTestSession(ctx context.Context, id int64, score float64, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE test_sessions SET score = $2, status = 'completed', completed_at = $3
		WHERE id = $1 AND status = 'active'
	`, id, score, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionClosed
	}
	return nil
}

func (s *PostgresStore) AddQuestions(ctx context.Context, sessionID int64, drafts []models.QuestionDraft) ([]models.Question, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	created := make([]models.Question, 0, len(drafts))
	for _, d := range drafts {
		q := models.Question{
			SessionID:       sessionID,
			QuestionText:    d.QuestionText,
			QuestionType:    d.QuestionType,
			DifficultyLevel: d.DifficultyLevel,
			CreatedAt:       now,
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO test_questions (session_id, question_text, question_type, difficulty_level, created_at)
			VALUES ($1, $2, $3, $4, $5) RETURNING id
		`, sessionID, d.QuestionText, d.QuestionType, d.DifficultyLevel, now).Scan(&q.ID)
		if err != nil {
			return nil, fmt.Errorf("insert question: %w", err)
		}
		created = append(created, q)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *PostgresStore) ListQuestions(ctx context.Context, sessionID int64) ([]models.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, question_text, question_type, difficulty_level, created_at
		FROM test_questions WHERE session_id = $1 ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[models.Question])
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id int64) (models.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, question_text, question_type, difficulty_level, created_at
		FROM test_questions WHERE id = $1
	`, id)
	if err != nil {
		return models.Question{}, err
	}
	q, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.Question])
	return q, notFound(err)
}

func (s *PostgresStore) AddResponse(ctx context.Context, r models.Response) (models.Response, error) {
	r.CreatedAt = time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO user_responses (question_id, response_text, audio_file_path, response_time, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, r.QuestionID, r.ResponseText, r.AudioFilePath, r.ResponseTime, r.CreatedAt).Scan(&r.ID)
	if err != nil {
		return r, fmt.Errorf("insert response: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateResponseScore(ctx context.Context, id int64, score float64, feedback string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE user_responses SET score = $2, feedback = $3 WHERE id = $1`, id, score, feedback)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListResponsesBySession(ctx context.Context, sessionID int64) ([]models.Response, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ur.id, ur.question_id, ur.response_text, ur.audio_file_path, ur.score, ur.feedback,
			ur.response_time, ur.created_at
		FROM user_responses ur
		JOIN test_questions tq ON tq.id = ur.question_id
		WHERE tq.session_id = $1
		ORDER BY ur.id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[models.Response])
}

func (s *PostgresStore) AddEvaluation(ctx context.Context, responseID int64, metrics json.RawMessage, confidence *float64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ai_evaluations (response_id, evaluation_metrics, confidence_score, evaluation_time)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, responseID, metricsText(metrics), confidence, time.Now().UTC()).Scan(&id)
	return id, err
}

func (s *PostgresStore) SaveAPIKey(ctx context.Context, userID int64, service, secret string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_api_keys (user_id, service_name, api_key, is_active, created_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (user_id, service_name) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			is_active = TRUE,
			last_used = NULL
	`, userID, service, secret, time.Now().UTC())
	return err
}

const apiKeyColumns = `id, user_id, service_name, api_key, is_active, created_at, last_used`

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID int64) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM user_api_keys WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[models.APIKey])
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, keyID, userID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_api_keys WHERE id = $1 AND user_id = $2`, keyID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetActiveAPIKey(ctx context.Context, userID int64, service string) (models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+apiKeyColumns+` FROM user_api_keys
		WHERE user_id = $1 AND service_name = $2 AND is_active = TRUE
	`, userID, service)
	if err != nil {
		return models.APIKey{}, err
	}
	k, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.APIKey])
	return k, notFound(err)
}

func (s *PostgresStore) MarkAPIKeyUsed(ctx context.Context, keyID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE user_api_keys SET last_used = $2 WHERE id = $1`, keyID, at)
	return err
}

func (s *PostgresStore) DashboardStats(ctx context.Context) (models.DashboardStats, error) {
	var st models.DashboardStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM test_sessions WHERE status = 'active'),
			(SELECT COUNT(*) FROM test_sessions WHERE status = 'completed'),
			(SELECT AVG(score)::float8 FROM test_sessions WHERE status = 'completed'),
			(SELECT COUNT(*) FROM user_responses),
			(SELECT COUNT(*) FROM ai_evaluations)
	`).Scan(&st.Users, &st.ActiveSessions, &st.CompletedSessions, &st.AverageScore, &st.Responses, &st.Evaluations)
	return st, err
}
