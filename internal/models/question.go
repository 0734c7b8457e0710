package models

import "strings"

// QuestionKind tags the six supported question variants.
type QuestionKind string

const (
	QuestionMultipleChoice QuestionKind = "multiple_choice"
	QuestionTrueFalse      QuestionKind = "true_false"
	QuestionShortAnswer    QuestionKind = "short_answer"
	QuestionFillInBlank    QuestionKind = "fill_in_blank"
	QuestionMatching       QuestionKind = "matching"
	QuestionFileSubmission QuestionKind = "file_submission"
)

// QuestionKinds lists every kind in declaration order.
var QuestionKinds = []QuestionKind{
	QuestionMultipleChoice,
	QuestionTrueFalse,
	QuestionShortAnswer,
	QuestionFillInBlank,
	QuestionMatching,
	QuestionFileSubmission,
}

// ParseQuestionKind normalises the kind tag stored by the authoring tool.
func ParseQuestionKind(raw string) (QuestionKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	for _, kind := range QuestionKinds {
		if string(kind) == normalized {
			return kind, true
		}
	}
	return "", false
}

// MatchingPair couples a prompt with the value a learner must place next to it.
type MatchingPair struct {
	Prompt string `json:"prompt"`
	Answer string `json:"answer"`
}

// Question is one item of an assessment definition.
type Question struct {
	Kind          QuestionKind   `json:"kind"`
	Prompt        string         `json:"prompt"`
	Points        *float64       `json:"points,omitempty"`
	CorrectAnswer *string        `json:"correct_answer,omitempty"`
	Choices       []string       `json:"choices,omitempty"`
	Pairs         []MatchingPair `json:"pairs,omitempty"`
}

// Weight returns the point value of the question, defaulting to 1.
func (q Question) Weight() float64 {
	if q.Points == nil || *q.Points <= 0 {
		return 1
	}
	return *q.Points
}

// IsFileSubmission reports whether the question is graded by a teacher.
func (q Question) IsFileSubmission() bool {
	return q.Kind == QuestionFileSubmission
}

// FileSubmissionOnly reports whether a non-empty question set consists solely of file submissions.
func FileSubmissionOnly(questions []Question) bool {
	if len(questions) == 0 {
		return false
	}
	for _, question := range questions {
		if !question.IsFileSubmission() {
			return false
		}
	}
	return true
}
