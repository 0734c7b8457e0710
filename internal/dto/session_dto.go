package dto

import (
	"time"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// QuestionView is a question as shown to a learner, without correctness data.
type QuestionView struct {
	Index        int      `json:"index"`
	Kind         string   `json:"kind"`
	Prompt       string   `json:"prompt"`
	Points       float64  `json:"points"`
	Choices      []string `json:"choices,omitempty"`
	MatchPrompts []string `json:"match_prompts,omitempty"`
	MatchOptions []string `json:"match_options,omitempty"`
}

// FileReferencePayload references an already uploaded file answer.
type FileReferencePayload struct {
	URL         string `json:"url" validate:"required,url"`
	Name        string `json:"name" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"omitempty,max=100"`
}

// AnswerRequest sets the answer of one question. Exactly one of the fields is used,
// depending on the question kind; an empty request clears the answer.
type AnswerRequest struct {
	Text    *string                `json:"text" validate:"omitempty,max=5000"`
	Matches []*string              `json:"matches" validate:"omitempty,max=100"`
	Files   []FileReferencePayload `json:"files" validate:"omitempty,max=10,dive"`
}

// ToAnswerValue converts the request into the stored answer shape.
func (r AnswerRequest) ToAnswerValue() models.AnswerValue {
	value := models.AnswerValue{Text: r.Text, Matches: r.Matches}
	for _, file := range r.Files {
		value.Files = append(value.Files, models.FileReference{
			URL:         file.URL,
			Name:        file.Name,
			ContentType: file.ContentType,
		})
	}
	return value
}

// AnswerView is a recorded answer.
type AnswerView struct {
	Text    *string                `json:"text,omitempty"`
	Matches []*string              `json:"matches,omitempty"`
	Files   []models.FileReference `json:"files,omitempty"`
}

// NewAnswerView converts an answer value.
func NewAnswerView(value models.AnswerValue) AnswerView {
	return AnswerView{Text: value.Text, Matches: value.Matches, Files: value.Files}
}

// NewAnswerViews converts answers keyed by question index.
func NewAnswerViews(values map[int]models.AnswerValue) map[int]AnswerView {
	views := make(map[int]AnswerView, len(values))
	for index, value := range values {
		views[index] = NewAnswerView(value)
	}
	return views
}

// OutcomeView is the verdict for one question of a completed attempt.
type OutcomeView struct {
	Index       int     `json:"index"`
	Answered    bool    `json:"answered"`
	Correct     bool    `json:"correct"`
	Points      float64 `json:"points"`
	MaxPoints   float64 `json:"max_points"`
	NeedsManual bool    `json:"needs_manual"`
}

// ResultView describes a completed attempt.
type ResultView struct {
	AttemptID     uint               `json:"attempt_id"`
	Score         *float64           `json:"score"`
	MaxScore      *float64           `json:"max_score"`
	Points        float64            `json:"points"`
	TotalPossible float64            `json:"total_possible"`
	PendingManual bool               `json:"pending_manual"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	Answers       map[int]AnswerView `json:"answers"`
	Outcomes      []OutcomeView      `json:"outcomes"`
}

// SessionResponse is the state of a learner's session on an assigned assessment.
type SessionResponse struct {
	PolicyID           uint               `json:"policy_id"`
	AssessmentID       uint               `json:"assessment_id"`
	Title              string             `json:"title"`
	State              string             `json:"state"`
	Timed              bool               `json:"timed"`
	FileSubmissionOnly bool               `json:"file_submission_only"`
	AttemptCount       int                `json:"attempt_count"`
	AllowedAttempts    int                `json:"allowed_attempts"`
	CanViewLast        bool               `json:"can_view_last"`
	CanReattempt       bool               `json:"can_reattempt"`
	Submitting         bool               `json:"submitting"`
	AttemptID          *uint              `json:"attempt_id,omitempty"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	ExpiresAt          *time.Time         `json:"expires_at,omitempty"`
	RemainingSeconds   int64              `json:"remaining_seconds"`
	Deadline           *time.Time         `json:"deadline,omitempty"`
	Questions          []QuestionView     `json:"questions"`
	Answers            map[int]AnswerView `json:"answers"`
	Result             *ResultView        `json:"result,omitempty"`
	Warnings           []string           `json:"warnings,omitempty"`
}

// SessionEvent is pushed over the session stream.
type SessionEvent struct {
	Type             string           `json:"type"`
	RemainingSeconds int64            `json:"remaining_seconds"`
	Session          *SessionResponse `json:"session,omitempty"`
}

// FileReferenceResponse describes an uploaded file answer.
type FileReferenceResponse struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"`
}

// FileAttachmentResponse is returned after a file answer is uploaded and attached.
type FileAttachmentResponse struct {
	File    FileReferenceResponse `json:"file"`
	Session SessionResponse       `json:"session"`
}
