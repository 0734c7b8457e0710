package models

import (
	"time"

	"gorm.io/datatypes"
)

// Assessment is the authored definition of a quiz or assignment.
type Assessment struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Title     string         `gorm:"size:255;not null" json:"title"`
	Questions datatypes.JSON `gorm:"type:json" json:"questions"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AssignmentPolicy configures how an assessment is taken by one section.
type AssignmentPolicy struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	AssessmentID     uint       `gorm:"not null;index" json:"assessment_id"`
	SectionID        uint       `gorm:"not null;index" json:"section_id"`
	AllowedAttempts  int        `gorm:"not null;default:1" json:"allowed_attempts"`
	TimeLimitMinutes int        `gorm:"not null;default:0" json:"time_limit_minutes"`
	Deadline         *time.Time `json:"deadline"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Assessment       Assessment `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// MaxAttempts returns the configured attempt allowance, never less than one.
func (p AssignmentPolicy) MaxAttempts() int {
	if p.AllowedAttempts <= 0 {
		return 1
	}
	return p.AllowedAttempts
}

// TimeLimit returns the countdown duration; zero means untimed.
func (p AssignmentPolicy) TimeLimit() time.Duration {
	if p.TimeLimitMinutes <= 0 {
		return 0
	}
	return time.Duration(p.TimeLimitMinutes) * time.Minute
}

// IsPastDeadline returns true when a deadline is configured and has passed.
func (p AssignmentPolicy) IsPastDeadline(reference time.Time) bool {
	return p.Deadline != nil && reference.After(*p.Deadline)
}
