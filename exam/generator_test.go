package exam

import (
	"testing"

	"langtest-server/models"
	"langtest-server/utils"
)

func TestFallbackQuestion(t *testing.T) {
	tests := []struct {
		testType string
		want     string
	}{
		{"speaking", models.QuestionAudioPrompt},
		{"writing", models.QuestionOpenEnded},
		{"reading", models.QuestionOpenEnded},
	}
	for _, tt := range tests {
		q := FallbackQuestion("English", tt.testType, 4)
		if q.QuestionType != tt.want {
			t.Errorf("%s: type = %q, want %q", tt.testType, q.QuestionType, tt.want)
		}
		if q.QuestionText != "Describe your favourite activity in English." {
			t.Errorf("%s: text = %q", tt.testType, q.QuestionText)
		}
		if q.DifficultyLevel != 4 {
			t.Errorf("%s: difficulty = %d", tt.testType, q.DifficultyLevel)
		}
	}
}

func TestApplyDefaultsLeavesInputUntouched(t *testing.T) {
	in := []models.QuestionDraft{{QuestionText: "a"}}
	out := ApplyDefaults(in, "writing", 2)
	if in[0].QuestionType != "" {
		t.Error("input slice was modified")
	}
	if out[0].QuestionType != models.QuestionOpenEnded || out[0].DifficultyLevel != 2 {
		t.Errorf("out = %+v", out[0])
	}
}

func TestAggregateScore(t *testing.T) {
	score := func(f float64) models.Response { return models.Response{Score: utils.Float64Ptr(f)} }
	tests := []struct {
		name      string
		responses []models.Response
		want      float64
	}{
		{"none", nil, 0},
		{"all unscored", []models.Response{{}, {}}, 0},
		{"mean ignores unscored", []models.Response{score(8), score(6), {}}, 7},
		{"rounded", []models.Response{score(7), score(8), score(8)}, 7.67},
		{"zero counts", []models.Response{score(0), score(10)}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateScore(tt.responses); got != tt.want {
				t.Errorf("AggregateScore = %v, want %v", got, tt.want)
			}
		})
	}
}
