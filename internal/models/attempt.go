package models

import (
	"time"

	"gorm.io/datatypes"
)

// Attempt is one try of a learner at an assigned assessment.
type Attempt struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    uint       `gorm:"not null;index:idx_attempt_owner" json:"user_id"`
	PolicyID  uint       `gorm:"not null;index:idx_attempt_owner" json:"policy_id"`
	StartedAt *time.Time `json:"started_at"`
	Score     *float64   `json:"score"`
	MaxScore  *float64   `json:"max_score"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsScored reports whether a score has been written.
func (a Attempt) IsScored() bool {
	return a.Score != nil
}

// ExpiresAt returns the instant a timed attempt runs out, if it was started.
func (a Attempt) ExpiresAt(limit time.Duration) (time.Time, bool) {
	if a.StartedAt == nil || limit <= 0 {
		return time.Time{}, false
	}
	return a.StartedAt.Add(limit), true
}

// IsActive reports whether a timed attempt is still running at the reference instant.
func (a Attempt) IsActive(limit time.Duration, reference time.Time) bool {
	if a.IsScored() {
		return false
	}
	expiresAt, ok := a.ExpiresAt(limit)
	return ok && reference.Before(expiresAt)
}

// IsExpired reports whether a started, unscored timed attempt has run out of time.
func (a Attempt) IsExpired(limit time.Duration, reference time.Time) bool {
	if a.IsScored() {
		return false
	}
	expiresAt, ok := a.ExpiresAt(limit)
	return ok && !reference.Before(expiresAt)
}

// FileReference points at an uploaded file answer.
type FileReference struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
}

// AnswerValue is the submitted value of one question.
type AnswerValue struct {
	Text    *string         `json:"text,omitempty"`
	Matches []*string       `json:"matches,omitempty"`
	Files   []FileReference `json:"files,omitempty"`
}

// IsEmpty reports whether nothing was answered.
func (v AnswerValue) IsEmpty() bool {
	return v.Text == nil && len(v.Matches) == 0 && len(v.Files) == 0
}

// TextAnswer builds an answer value holding a single string.
func TextAnswer(text string) AnswerValue {
	return AnswerValue{Text: &text}
}

// AnswerRecord stores one submitted answer of an attempt.
type AnswerRecord struct {
	ID            uint                            `gorm:"primaryKey" json:"id"`
	AttemptID     uint                            `gorm:"not null;uniqueIndex:idx_answer_slot" json:"attempt_id"`
	QuestionIndex int                             `gorm:"not null;uniqueIndex:idx_answer_slot" json:"question_index"`
	Value         datatypes.JSONType[AnswerValue] `gorm:"type:json" json:"value"`
	CreatedAt     time.Time                       `json:"created_at"`
	Attempt       Attempt                         `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}
