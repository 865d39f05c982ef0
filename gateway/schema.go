package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"langtest-server/models"
)

var validate = validator.New()

// generatedQuestion is one element of the model's question array.
type generatedQuestion struct {
	QuestionText    string  `json:"question_text" validate:"required"`
	QuestionType    string  `json:"question_type" validate:"omitempty,oneof=multiple_choice open_ended audio_prompt"`
	DifficultyLevel float64 `json:"difficulty_level" validate:"omitempty,min=1,max=10"`
}

// gradedResponse is the model's grading object.
type gradedResponse struct {
	Score           *float64        `json:"score" validate:"required,min=0,max=10"`
	Feedback        string          `json:"feedback" validate:"required"`
	Metrics         json.RawMessage `json:"metrics"`
	ConfidenceScore *float64        `json:"confidence_score" validate:"omitempty,min=0"`
}

var errEmptyOutput = errors.New("model returned no content")

// extractJSON strips a markdown code fence if the model wrapped its answer in one.
func extractJSON(content string) []byte {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:] // drop the "json" language tag line
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return []byte(strings.TrimSpace(s))
}

// ParseQuestions validates the model's question list. It accepts a bare JSON array or an object
// with a "questions" array. Anything else, an empty list, or an invalid element is an error.
func ParseQuestions(content string) ([]models.QuestionDraft, error) {
	raw := extractJSON(content)
	if len(raw) == 0 {
		return nil, errEmptyOutput
	}

	var items []generatedQuestion
	if bytes.HasPrefix(raw, []byte("{")) {
		var wrapper struct {
			Questions []generatedQuestion `json:"questions"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("malformed question payload: %w", err)
		}
		items = wrapper.Questions
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("malformed question payload: %w", err)
	}

	if len(items) == 0 {
		return nil, errors.New("model returned no questions")
	}

	drafts := make([]models.QuestionDraft, 0, len(items))
	for i, item := range items {
		item.QuestionText = strings.TrimSpace(item.QuestionText)
		if err := validate.Struct(item); err != nil {
			return nil, fmt.Errorf("question %d failed validation: %w", i, err)
		}
		drafts = append(drafts, models.QuestionDraft{
			QuestionText:    item.QuestionText,
			QuestionType:    item.QuestionType,
			DifficultyLevel: int(math.Round(item.DifficultyLevel)),
		})
	}
	return drafts, nil
}

// ParseEvaluation validates the model's grading object.
func ParseEvaluation(content string) (models.EvaluationResult, error) {
	raw := extractJSON(content)
	if len(raw) == 0 {
		return models.EvaluationResult{}, errEmptyOutput
	}

	var graded gradedResponse
	if err := json.Unmarshal(raw, &graded); err != nil {
		return models.EvaluationResult{}, fmt.Errorf("malformed evaluation payload: %w", err)
	}
	if err := validate.Struct(graded); err != nil {
		return models.EvaluationResult{}, fmt.Errorf("evaluation failed validation: %w", err)
	}

	metrics := graded.Metrics
	if len(metrics) == 0 || bytes.Equal(metrics, []byte("null")) {
		metrics = json.RawMessage(`{}`)
	}
	return models.EvaluationResult{
		Score:           *graded.Score,
		Feedback:        graded.Feedback,
		Metrics:         metrics,
		ConfidenceScore: graded.ConfidenceScore,
	}, nil
}
