package exam

import (
	"context"
	"errors"
	"io"
	"log"
	"path"
	"strings"
	"time"

	"langtest-server/db"
	"langtest-server/models"
	"langtest-server/storage"
	"langtest-server/utils"
)

// Gateway is the language-model boundary the lifecycle depends on.
type Gateway interface {
	GenerateContent(ctx context.Context, user models.User, language, testType string, difficulty int) ([]models.QuestionDraft, error)
	EvaluateResponse(ctx context.Context, user models.User, response, question, testType string) (models.EvaluationResult, error)
	TranscribeAudio(ctx context.Context, user models.User, name string, audio io.Reader) (string, error)
}

// Service runs the test-session lifecycle: start, submit responses, complete.
type Service struct {
	store   db.Store
	gateway Gateway
	audio   storage.AudioStore
	now     func() time.Time
}

func NewService(store db.Store, gateway Gateway, audio storage.AudioStore) *Service {
	return &Service{store: store, gateway: gateway, audio: audio, now: time.Now}
}

// StartInput is what a learner sends to begin a test.
type StartInput struct {
	Token      string
	Language   string
	TestType   string
	Difficulty int
}

// SubmitInput is one answer. AudioRef is the stored upload, if any.
type SubmitInput struct {
	Token                 string
	TestID                int64
	QuestionID            int64
	Text                  string
	ResponseTime          *float64
	AudioRef              string
	TranscriptionRequired bool
}

// EvaluateInput grades free text outside a test session.
type EvaluateInput struct {
	Token      string
	QuestionID int64
	Response   string
	Type       string
}

// ResolveUser maps a session token to its user.
func (s *Service) ResolveUser(ctx context.Context, token string) (models.User, error) {
	if token == "" {
		return models.User{}, utils.NotFound("Session not found")
	}
	user, err := s.store.GetUser(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return user, utils.NotFound("Session not found")
	}
	if err != nil {
		return user, utils.Persistence("Failed to load session", err)
	}
	return user, nil
}

// ownedActiveSession loads a test session and checks it belongs to user and is still active.
func (s *Service) ownedActiveSession(ctx context.Context, user models.User, testID int64) (models.TestSession, error) {
	session, err := s.ownedSession(ctx, user, testID)
	if err != nil {
		return session, err
	}
	return session, requireActive(session)
}

// ownedSession loads a session belonging to user. Sessions of other users are reported as missing.
func (s *Service) ownedSession(ctx context.Context, user models.User, testID int64) (models.TestSession, error) {
	session, err := s.store.GetTestSession(ctx, testID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && session.UserID != user.ID) {
		return session, utils.NotFound("Test session not found")
	}
	if err != nil {
		return session, utils.Persistence("Failed to load test session", err)
	}
	return session, nil
}

func requireActive(session models.TestSession) error {
	if session.Status != models.StatusActive {
		return utils.Validation("Test session is not active")
	}
	return nil
}

// StartTest creates a test session and its questions. Generation failures never surface: the
// session always ends up with at least one question.
func (s *Service) StartTest(ctx context.Context, in StartInput) (models.StartTestResponse, error) {
	var out models.StartTestResponse
	if in.Token == "" || in.Language == "" || in.TestType == "" {
		return out, utils.Validation("Session ID, language, and test type are required")
	}
	if in.Difficulty <= 0 {
		in.Difficulty = 1
	}

	user, err := s.ResolveUser(ctx, in.Token)
	if err != nil {
		return out, err
	}

	lang, err := s.store.GetLanguageByCode(ctx, in.Language)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return out, utils.Persistence("Failed to load language", err)
	}
	langFound := err == nil
	testType, err := s.store.GetTestTypeByName(ctx, in.TestType)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return out, utils.Persistence("Failed to load test type", err)
	}
	if !langFound || err != nil {
		return out, utils.Unsupported("Unsupported language or test type")
	}

	session, err := s.store.CreateTestSession(ctx, user.ID, lang.ID, testType.ID)
	if err != nil {
		return out, utils.Persistence("Failed to create test session", err)
	}

	drafts := s.generateQuestions(ctx, user, lang, testType, in.Difficulty)
	questions, err := s.store.AddQuestions(ctx, session.ID, drafts)
	if err != nil {
		return out, utils.Persistence("Failed to save questions", err)
	}

	log.Printf("Started test %d for user %d (%s/%s) with %d questions", session.ID, user.ID, lang.Code, testType.Name, len(questions))
	return models.StartTestResponse{TestID: session.ID, Questions: questions}, nil
}

// SubmitResponse stores one answer and grades it when there is text to grade. Transcription
// failure aborts the submission; grading failure does not. Uploaded audio is removed again when
// the submission fails before a response row references it.
func (s *Service) SubmitResponse(ctx context.Context, in SubmitInput) (out models.SubmitResponseResult, err error) {
	defer func() {
		if err != nil && out.ResponseID == 0 && in.AudioRef != "" {
			s.discardAudio(ctx, in.AudioRef)
		}
	}()

	if in.Token == "" || in.QuestionID == 0 {
		return out, utils.Validation("Session ID and question ID are required")
	}

	user, err := s.ResolveUser(ctx, in.Token)
	if err != nil {
		return out, err
	}
	session, err := s.ownedSession(ctx, user, in.TestID)
	if err != nil {
		return out, err
	}

	// Membership is checked before status: a foreign question is missing even on a closed session.
	questions, err := s.store.ListQuestions(ctx, in.TestID)
	if err != nil {
		return out, utils.Persistence("Failed to load questions", err)
	}
	question, ok := findQuestion(questions, in.QuestionID)
	if !ok {
		return out, utils.NotFound("Question not found in test session")
	}
	if err = requireActive(session); err != nil {
		return out, err
	}

	text := strings.TrimSpace(in.Text)
	if question.QuestionType == models.QuestionAudioPrompt && in.TranscriptionRequired && in.AudioRef != "" {
		text, err = s.transcribe(ctx, user, in.AudioRef)
		if err != nil {
			return out, err
		}
	}

	response, err := s.store.AddResponse(ctx, models.Response{
		QuestionID:    question.ID,
		ResponseText:  utils.StringPtr(text),
		AudioFilePath: utils.StringPtr(in.AudioRef),
		ResponseTime:  in.ResponseTime,
	})
	if err != nil {
		return out, utils.Persistence("Failed to save response", err)
	}
	out.ResponseID = response.ID

	if text == "" {
		return out, nil
	}

	evaluation, err := s.gateway.EvaluateResponse(ctx, user, text, question.QuestionText, question.QuestionType)
	if err != nil {
		log.Printf("WARN: Evaluation failed for response %d, skipping AI scoring: %v", response.ID, err)
		return out, nil
	}
	if err := s.store.UpdateResponseScore(ctx, response.ID, evaluation.Score, evaluation.Feedback); err != nil {
		return out, utils.Persistence("Failed to save response score", err)
	}
	if _, err := s.store.AddEvaluation(ctx, response.ID, evaluation.Metrics, evaluation.ConfidenceScore); err != nil {
		return out, utils.Persistence("Failed to save evaluation", err)
	}
	out.Evaluation = &evaluation
	return out, nil
}

func (s *Service) transcribe(ctx context.Context, user models.User, ref string) (string, error) {
	rc, err := s.audio.Open(ctx, ref)
	if err != nil {
		return "", utils.Persistence("Failed to read uploaded audio", err)
	}
	defer rc.Close()

	text, err := s.gateway.TranscribeAudio(ctx, user, path.Base(ref), rc)
	if err != nil {
		if _, ok := utils.AsAppError(err); ok {
			return "", err
		}
		return "", utils.Gateway("Audio transcription failed", err)
	}
	return strings.TrimSpace(text), nil
}

func (s *Service) discardAudio(ctx context.Context, ref string) {
	if err := s.audio.Delete(ctx, ref); err != nil {
		log.Printf("WARN: Failed to remove audio %s after aborted submission: %v", ref, err)
	}
}

// CompleteTest closes an active session and records the aggregate score.
func (s *Service) CompleteTest(ctx context.Context, token string, testID int64) (models.CompleteTestResult, error) {
	var out models.CompleteTestResult

	user, err := s.ResolveUser(ctx, token)
	if err != nil {
		return out, err
	}
	if _, err := s.ownedActiveSession(ctx, user, testID); err != nil {
		return out, err
	}

	questions, err := s.store.ListQuestions(ctx, testID)
	if err != nil {
		return out, utils.Persistence("Failed to load questions", err)
	}
	if len(questions) == 0 {
		return out, utils.Validation("No questions found for this test")
	}

	responses, err := s.store.ListResponsesBySession(ctx, testID)
	if err != nil {
		return out, utils.Persistence("Failed to load responses", err)
	}

	score := AggregateScore(responses)
	err = s.store.CompleteTestSession(ctx, testID, score, s.now().UTC())
	if errors.Is(err, db.ErrSessionClosed) {
		return out, utils.Validation("Test session is not active")
	}
	if err != nil {
		return out, utils.Persistence("Failed to complete test session", err)
	}

	log.Printf("Completed test %d for user %d with score %.2f", testID, user.ID, score)
	return models.CompleteTestResult{
		Score:     score,
		Feedback:  FeedbackPlaceholder,
		Questions: questions,
		Responses: responses,
	}, nil
}

// GenerateContent passes a generation request straight to the gateway. Unlike StartTest there is
// no fallback: failures reach the caller.
func (s *Service) GenerateContent(ctx context.Context, in StartInput) ([]models.QuestionDraft, error) {
	if in.Token == "" || in.Language == "" || in.TestType == "" {
		return nil, utils.Validation("Session ID, language, and test type are required")
	}
	if in.Difficulty <= 0 {
		in.Difficulty = 1
	}
	user, err := s.ResolveUser(ctx, in.Token)
	if err != nil {
		return nil, err
	}

	language := in.Language
	if lang, err := s.store.GetLanguageByCode(ctx, in.Language); err == nil {
		language = lang.Name
	}
	drafts, err := s.gateway.GenerateContent(ctx, user, language, in.TestType, in.Difficulty)
	if err != nil {
		return nil, err
	}
	return ApplyDefaults(drafts, in.TestType, in.Difficulty), nil
}

// Evaluate grades an arbitrary response. Without a known question the prompt says "Custom prompt".
func (s *Service) Evaluate(ctx context.Context, in EvaluateInput) (models.EvaluationResult, error) {
	if in.Token == "" || strings.TrimSpace(in.Response) == "" {
		return models.EvaluationResult{}, utils.Validation("Session ID and response are required")
	}
	user, err := s.ResolveUser(ctx, in.Token)
	if err != nil {
		return models.EvaluationResult{}, err
	}

	questionText := "Custom prompt"
	if in.QuestionID != 0 {
		q, err := s.store.GetQuestion(ctx, in.QuestionID)
		switch {
		case err == nil:
			questionText = q.QuestionText
		case !errors.Is(err, db.ErrNotFound):
			return models.EvaluationResult{}, utils.Persistence("Failed to load question", err)
		}
	}
	testType := in.Type
	if testType == "" {
		testType = models.QuestionOpenEnded
	}
	return s.gateway.EvaluateResponse(ctx, user, in.Response, questionText, testType)
}

func findQuestion(questions []models.Question, id int64) (models.Question, bool) {
	for _, q := range questions {
		if q.ID == id {
			return q, true
		}
	}
	return models.Question{}, false
}
