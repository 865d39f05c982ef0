package exam

import (
	"langtest-server/models"
	"langtest-server/utils"
)

// FeedbackPlaceholder is returned with every completed test until summaries are generated.
const FeedbackPlaceholder = "AI evaluation summary will appear here."

// AggregateScore is the mean of every scored response, rounded to two decimals.
// Unscored responses are ignored; with none scored the result is 0.
func AggregateScore(responses []models.Response) float64 {
	var sum float64
	var n int
	for _, r := range responses {
		if r.Score == nil {
			continue
		}
		sum += *r.Score
		n++
	}
	if n == 0 {
		return 0
	}
	return utils.RoundTo(sum/float64(n), 2)
}
