package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"langtest-server/db"
	"langtest-server/models"
	"langtest-server/utils"
)

// ServiceName is the service_name under which users store their OpenAI key.
const ServiceName = "openai"

const (
	generationTemperature = 0.7
	evaluationTemperature = 0.2
)

// KeyStore is the slice of the store the gateway needs to resolve credentials.
type KeyStore interface {
	GetActiveAPIKey(ctx context.Context, userID int64, service string) (models.APIKey, error)
	MarkAPIKeyUsed(ctx context.Context, keyID int64, at time.Time) error
}

// Options configures OpenAIGateway. Zero values fall back to the production defaults.
type Options struct {
	Model              string
	TranscriptionModel string
	BaseURL            string
	Timeout            time.Duration
}

// OpenAIGateway talks to the OpenAI API with the calling user's own key.
type OpenAIGateway struct {
	keys               KeyStore
	model              string
	transcriptionModel string
	baseURL            string
	httpClient         *http.Client
}

func NewOpenAIGateway(keys KeyStore, opts Options) *OpenAIGateway {
	if opts.Model == "" {
		opts.Model = "gpt-4.1-mini"
	}
	if opts.TranscriptionModel == "" {
		opts.TranscriptionModel = openai.Whisper1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &OpenAIGateway{
		keys:               keys,
		model:              opts.Model,
		transcriptionModel: opts.TranscriptionModel,
		baseURL:            opts.BaseURL,
		httpClient:         &http.Client{Timeout: opts.Timeout},
	}
}

// clientFor builds a client bound to the user's stored key. A missing key fails before any
// network call.
func (g *OpenAIGateway) clientFor(ctx context.Context, user models.User) (*openai.Client, error) {
	key, err := g.keys.GetActiveAPIKey(ctx, user.ID, ServiceName)
	if errors.Is(err, db.ErrNotFound) {
		return nil, utils.CredentialMissing("OpenAI API key not configured for this session")
	}
	if err != nil {
		return nil, utils.Persistence("Failed to load API key", err)
	}
	if err := g.keys.MarkAPIKeyUsed(ctx, key.ID, time.Now().UTC()); err != nil {
		log.Printf("WARN: Failed to stamp last_used on API key %d: %v", key.ID, err)
	}

	cfg := openai.DefaultConfig(key.Secret)
	if g.baseURL != "" {
		cfg.BaseURL = g.baseURL
	}
	cfg.HTTPClient = g.httpClient
	return openai.NewClientWithConfig(cfg), nil
}

func (g *OpenAIGateway) complete(ctx context.Context, client *openai.Client, prompt string, temperature float32) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", utils.Gateway("OpenAI request failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", utils.Gateway("OpenAI returned no choices", errEmptyOutput)
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerationPrompt is the instruction sent when asking for practice questions.
func GenerationPrompt(language, testType string, difficulty int) string {
	return fmt.Sprintf("Generate %s practice questions for a %s learner at difficulty level %d. "+
		"Provide a JSON array with question_text, question_type, and difficulty_level.",
		testType, language, difficulty)
}

// EvaluationPrompt is the instruction sent when grading a learner response.
func EvaluationPrompt(testType, question, response string) string {
	return fmt.Sprintf("You are grading a language %s test. Question: %s. Learner response: %s. "+
		"Provide JSON with score (0-10), feedback, and metrics.",
		testType, question, response)
}

// GenerateContent asks the model for practice questions and validates what comes back.
func (g *OpenAIGateway) GenerateContent(ctx context.Context, user models.User, language, testType string, difficulty int) ([]models.QuestionDraft, error) {
	client, err := g.clientFor(ctx, user)
	if err != nil {
		return nil, err
	}
	content, err := g.complete(ctx, client, GenerationPrompt(language, testType, difficulty), generationTemperature)
	if err != nil {
		return nil, err
	}
	drafts, err := ParseQuestions(content)
	if err != nil {
		return nil, utils.Gateway("OpenAI returned unusable questions", err)
	}
	return drafts, nil
}

// EvaluateResponse grades a learner's answer on a 0-10 scale.
func (g *OpenAIGateway) EvaluateResponse(ctx context.Context, user models.User, response, question, testType string) (models.EvaluationResult, error) {
	client, err := g.clientFor(ctx, user)
	if err != nil {
		return models.EvaluationResult{}, err
	}
	content, err := g.complete(ctx, client, EvaluationPrompt(testType, question, response), evaluationTemperature)
	if err != nil {
		return models.EvaluationResult{}, err
	}
	result, err := ParseEvaluation(content)
	if err != nil {
		return models.EvaluationResult{}, utils.Gateway("OpenAI returned an unusable evaluation", err)
	}
	return result, nil
}

// TranscribeAudio sends the audio to the speech-to-text model. name is only used to tell the
// API the file type.
func (g *OpenAIGateway) TranscribeAudio(ctx context.Context, user models.User, name string, audio io.Reader) (string, error) {
	client, err := g.clientFor(ctx, user)
	if err != nil {
		return "", err
	}
	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    g.transcriptionModel,
		FilePath: name,
		Reader:   audio,
	})
	if err != nil {
		return "", utils.Gateway("OpenAI transcription failed", err)
	}
	return resp.Text, nil
}
