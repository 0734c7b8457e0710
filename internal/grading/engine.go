// Package grading decides correctness of submitted answers and aggregates scores.
//
// Every function in this package is pure and total: malformed questions or answers
// grade as incorrect instead of returning errors.
package grading

import (
	"github.com/noah-isme/gema-assessment-api/internal/models"
)

type checker func(question models.Question, answer *models.AnswerValue) bool

var checkers = map[models.QuestionKind]checker{
	models.QuestionMultipleChoice: checkText,
	models.QuestionTrueFalse:      checkText,
	models.QuestionShortAnswer:    checkText,
	models.QuestionFillInBlank:    checkText,
	models.QuestionMatching:       checkMatching,
	models.QuestionFileSubmission: checkManual,
}

// Outcome is the verdict for a single question.
type Outcome struct {
	Index       int                 `json:"index"`
	Kind        models.QuestionKind `json:"kind"`
	Answered    bool                `json:"answered"`
	Correct     bool                `json:"correct"`
	Points      float64             `json:"points"`
	MaxPoints   float64             `json:"max_points"`
	NeedsManual bool                `json:"needs_manual"`
}

// Result aggregates the auto-gradable part of a question set.
type Result struct {
	Points        float64 `json:"points"`
	TotalPossible float64 `json:"total_possible"`
	AutoGraded    int     `json:"auto_graded"`
	ManualPending int     `json:"manual_pending"`
	// Applicable is false when nothing in the set can be auto-graded, in which case
	// the attempt score must stay empty until a teacher grades it.
	Applicable bool `json:"applicable"`
}

// ScoreValue returns the score to persist, or nil when grading is pending manually.
func (r Result) ScoreValue() *float64 {
	if !r.Applicable {
		return nil
	}
	points := r.Points
	return &points
}

// MaxScoreValue returns the total possible points to persist alongside the score.
func (r Result) MaxScoreValue() *float64 {
	if !r.Applicable {
		return nil
	}
	total := r.TotalPossible
	return &total
}

// IsCorrect grades one answer against its question. A nil answer is unanswered.
func IsCorrect(question models.Question, answer *models.AnswerValue) bool {
	check, ok := checkers[question.Kind]
	if !ok {
		return false
	}
	return check(question, answer)
}

// IsAutoGradable reports whether the question contributes to the automatic score.
// Questions of an unknown kind count towards the total and always grade as incorrect.
func IsAutoGradable(question models.Question) bool {
	return !question.IsFileSubmission()
}

// Evaluate grades every question and returns one outcome per question, in order.
func Evaluate(questions []models.Question, answers map[int]models.AnswerValue) []Outcome {
	outcomes := make([]Outcome, 0, len(questions))
	for index, question := range questions {
		var answer *models.AnswerValue
		if value, ok := answers[index]; ok && !value.IsEmpty() {
			answer = &value
		}

		outcome := Outcome{
			Index:     index,
			Kind:      question.Kind,
			Answered:  answer != nil,
			MaxPoints: question.Weight(),
		}

		if !IsAutoGradable(question) {
			outcome.NeedsManual = true
			outcomes = append(outcomes, outcome)
			continue
		}

		outcome.Correct = IsCorrect(question, answer)
		if outcome.Correct {
			outcome.Points = outcome.MaxPoints
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Score sums points over auto-gradable questions; file submissions are excluded from
// both the awarded points and the total possible.
func Score(questions []models.Question, answers map[int]models.AnswerValue) Result {
	return Summarize(Evaluate(questions, answers), models.FileSubmissionOnly(questions))
}

// Summarize folds per-question outcomes into a Result.
func Summarize(outcomes []Outcome, fileSubmissionOnly bool) Result {
	result := Result{Applicable: !fileSubmissionOnly}
	for _, outcome := range outcomes {
		if outcome.NeedsManual {
			result.ManualPending++
			continue
		}
		result.AutoGraded++
		result.TotalPossible += outcome.MaxPoints
		result.Points += outcome.Points
	}
	return result
}
