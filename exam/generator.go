package exam

import (
	"context"
	"fmt"
	"log"

	"langtest-server/models"
	"langtest-server/utils"
)

// FallbackQuestion is used when the model cannot supply questions, so a test is never empty.
func FallbackQuestion(languageName, testType string, difficulty int) models.QuestionDraft {
	questionType := models.QuestionOpenEnded
	if testType == "speaking" {
		questionType = models.QuestionAudioPrompt
	}
	return models.QuestionDraft{
		QuestionText:    fmt.Sprintf("Describe your favourite activity in %s.", languageName),
		QuestionType:    questionType,
		DifficultyLevel: difficulty,
	}
}

// ApplyDefaults fills in what the generator left out. Reading tests default to multiple choice,
// everything else to open ended, and a missing difficulty takes the requested one.
func ApplyDefaults(drafts []models.QuestionDraft, testType string, difficulty int) []models.QuestionDraft {
	out := make([]models.QuestionDraft, len(drafts))
	for i, d := range drafts {
		if d.QuestionType == "" {
			if testType == "reading" {
				d.QuestionType = models.QuestionMultipleChoice
			} else {
				d.QuestionType = models.QuestionOpenEnded
			}
		}
		if d.DifficultyLevel <= 0 {
			d.DifficultyLevel = difficulty
		}
		out[i] = d
	}
	return out
}

// generateQuestions asks the gateway for questions and falls back to a single synthesized one on
// any failure. It never returns an empty list.
func (s *Service) generateQuestions(ctx context.Context, user models.User, lang models.Language, testType models.TestType, difficulty int) []models.QuestionDraft {
	drafts, err := s.gateway.GenerateContent(ctx, user, lang.Name, testType.Name, difficulty)
	if err != nil || len(drafts) == 0 {
		if err == nil {
			err = fmt.Errorf("gateway returned no questions")
		}
		if utils.IsKind(err, utils.KindCredentialMissing) {
			log.Printf("No OpenAI key saved for user %d, using static questions (%s/%s)", user.ID, lang.Code, testType.Name)
		} else {
			log.Printf("WARN: Falling back to static questions for user %d (%s/%s): %v", user.ID, lang.Code, testType.Name, err)
		}
		drafts = []models.QuestionDraft{FallbackQuestion(lang.Name, testType.Name, difficulty)}
	}
	return ApplyDefaults(drafts, testType.Name, difficulty)
}
