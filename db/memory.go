package db

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"langtest-server/models"
)

// MemoryStore is a Store held in process memory. Everything is lost on restart; it backs the
// "memory" driver and the package tests that do not need SQL.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      int64
	users       map[string]*models.User
	languages   map[string]*models.Language
	testTypes   map[string]*models.TestType
	sessions    map[int64]*models.TestSession
	questions   map[int64]*models.Question
	responses   map[int64]*models.Response
	evaluations map[int64]*models.Evaluation
	apiKeys     map[int64]*models.APIKey
}

// NewMemoryStore returns an empty store seeded with the default reference data.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		users:       map[string]*models.User{},
		languages:   map[string]*models.Language{},
		testTypes:   map[string]*models.TestType{},
		sessions:    map[int64]*models.TestSession{},
		questions:   map[int64]*models.Question{},
		responses:   map[int64]*models.Response{},
		evaluations: map[int64]*models.Evaluation{},
		apiKeys:     map[int64]*models.APIKey{},
	}
	defaults := DefaultReferenceData()
	for _, l := range defaults.Languages {
		s.UpsertLanguage(context.Background(), l)
	}
	for _, t := range defaults.TestTypes {
		s.UpsertTestType(context.Background(), t)
	}
	return s
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) CreateUser(ctx context.Context, token string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	u := &models.User{ID: s.id(), SessionID: token, CreatedAt: now, LastActive: now}
	s.users[token] = u
	return *u, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, token string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return *u, nil
}

func (s *MemoryStore) TouchUser(ctx context.Context, token string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return models.User{}, ErrNotFound
	}
	u.LastActive = time.Now().UTC()
	return *u, nil
}

func (s *MemoryStore) GetLanguageByCode(ctx context.Context, code string) (models.Language, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.languages[code]
	if !ok || !l.IsActive {
		return models.Language{}, ErrNotFound
	}
	return *l, nil
}

func (s *MemoryStore) GetTestTypeByName(ctx context.Context, name string) (models.TestType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.testTypes[name]
	if !ok || !t.IsActive {
		return models.TestType{}, ErrNotFound
	}
	return *t, nil
}

func (s *MemoryStore) UpsertLanguage(ctx context.Context, lang models.Language) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.languages[lang.Code]; ok {
		existing.Name = lang.Name
		existing.IsActive = lang.IsActive
		return nil
	}
	lang.ID = s.id()
	s.languages[lang.Code] = &lang
	return nil
}

func (s *MemoryStore) UpsertTestType(ctx context.Context, tt models.TestType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.testTypes[tt.Name]; ok {
		existing.Description = tt.Description
		existing.IsActive = tt.IsActive
		return nil
	}
	tt.ID = s.id()
	s.testTypes[tt.Name] = &tt
	return nil
}

func (s *MemoryStore) CreateTestSession(ctx context.Context, userID, languageID, testTypeID int64) (models.TestSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := &models.TestSession{
		ID:         s.id(),
		UserID:     userID,
		LanguageID: languageID,
		TestTypeID: testTypeID,
		StartedAt:  time.Now().UTC(),
		Status:     models.StatusActive,
	}
	s.sessions[ts.ID] = ts
	return *ts, nil
}

func (s *MemoryStore) GetTestSession(ctx context.Context, id int64) (models.TestSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.sessions[id]
	if !ok {
		return models.TestSession{}, ErrNotFound
	}
	return *ts, nil
}

func (s *MemoryStore) CompleteTestSession(ctx context.Context, id int64, score float64, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.sessions[id]
	if !ok || ts.Status != models.StatusActive {
		return ErrSessionClosed
	}
	ts.Score = &score
	ts.Status = models.StatusCompleted
	ts.CompletedAt = &completedAt
	return nil
}

func (s *MemoryStore) AddQuestions(ctx context.Context, sessionID int64, drafts []models.QuestionDraft) ([]models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	created := make([]models.Question, 0, len(drafts))
	for _, d := range drafts {
		q := &models.Question{
			ID:              s.id(),
			SessionID:       sessionID,
			QuestionText:    d.QuestionText,
			QuestionType:    d.QuestionType,
			DifficultyLevel: d.DifficultyLevel,
			CreatedAt:       now,
		}
		s.questions[q.ID] = q
		created = append(created, *q)
	}
	return created, nil
}

func (s *MemoryStore) ListQuestions(ctx context.Context, sessionID int64) ([]models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Question{}
	for _, q := range s.questions {
		if q.SessionID == sessionID {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetQuestion(ctx context.Context, id int64) (models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return models.Question{}, ErrNotFound
	}
	return *q, nil
}

func (s *MemoryStore) AddResponse(ctx context.Context, r models.Response) (models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id()
	r.CreatedAt = time.Now().UTC()
	stored := r
	s.responses[r.ID] = &stored
	return r, nil
}

func (s *MemoryStore) UpdateResponseScore(ctx context.Context, id int64, score float64, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[id]
	if !ok {
		return ErrNotFound
	}
	r.Score = &score
	r.Feedback = &feedback
	return nil
}

func (s *MemoryStore) ListResponsesBySession(ctx context.Context, sessionID int64) ([]models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Response{}
	for _, r := range s.responses {
		if q, ok := s.questions[r.QuestionID]; ok && q.SessionID == sessionID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AddEvaluation(ctx context.Context, responseID int64, metrics json.RawMessage, confidence *float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &models.Evaluation{
		ID:                s.id(),
		ResponseID:        responseID,
		EvaluationMetrics: json.RawMessage(metricsText(metrics)),
		ConfidenceScore:   confidence,
		EvaluationTime:    time.Now().UTC(),
	}
	s.evaluations[e.ID] = e
	return e.ID, nil
}

func (s *MemoryStore) SaveAPIKey(ctx context.Context, userID int64, service, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.UserID == userID && k.ServiceName == service {
			k.Secret = secret
			k.IsActive = true
			k.LastUsed = nil
			return nil
		}
	}
	k := &models.APIKey{
		ID:          s.id(),
		UserID:      userID,
		ServiceName: service,
		Secret:      secret,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	s.apiKeys[k.ID] = k
	return nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context, userID int64) ([]models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.APIKey{}
	for _, k := range s.apiKeys {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteAPIKey(ctx context.Context, keyID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok || k.UserID != userID {
		return false, nil
	}
	delete(s.apiKeys, keyID)
	return true, nil
}

func (s *MemoryStore) GetActiveAPIKey(ctx context.Context, userID int64, service string) (models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.apiKeys {
		if k.UserID == userID && k.ServiceName == service && k.IsActive {
			return *k, nil
		}
	}
	return models.APIKey{}, ErrNotFound
}

func (s *MemoryStore) MarkAPIKeyUsed(ctx context.Context, keyID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[keyID]; ok {
		k.LastUsed = &at
	}
	return nil
}

func (s *MemoryStore) DashboardStats(ctx context.Context) (models.DashboardStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.DashboardStats{
		Users:       len(s.users),
		Responses:   len(s.responses),
		Evaluations: len(s.evaluations),
	}
	var sum float64
	for _, ts := range s.sessions {
		switch ts.Status {
		case models.StatusActive:
			st.ActiveSessions++
		case models.StatusCompleted:
			st.CompletedSessions++
			if ts.Score != nil {
				sum += *ts.Score
			}
		}
	}
	if st.CompletedSessions > 0 {
		avg := sum / float64(st.CompletedSessions)
		st.AverageScore = &avg
	}
	return st, nil
}
