package grading

import (
	"strings"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// normalize trims surrounding whitespace and folds case.
func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func equivalent(submitted, expected string) bool {
	expected = normalize(expected)
	if expected == "" {
		return false
	}
	return normalize(submitted) == expected
}

func checkText(question models.Question, answer *models.AnswerValue) bool {
	if answer == nil || answer.Text == nil || question.CorrectAnswer == nil {
		return false
	}
	return equivalent(*answer.Text, *question.CorrectAnswer)
}

// checkMatching requires every slot to hold the paired value at the same index.
// There is no partial credit within one matching question.
func checkMatching(question models.Question, answer *models.AnswerValue) bool {
	if answer == nil || len(question.Pairs) == 0 {
		return false
	}
	if len(answer.Matches) != len(question.Pairs) {
		return false
	}
	for index, pair := range question.Pairs {
		slot := answer.Matches[index]
		if slot == nil || !equivalent(*slot, pair.Answer) {
			return false
		}
	}
	return true
}

func checkManual(models.Question, *models.AnswerValue) bool {
	return false
}
