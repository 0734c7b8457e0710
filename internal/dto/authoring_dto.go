package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// AssessmentCreateRequest describes the payload for authoring an assessment definition.
type AssessmentCreateRequest struct {
	Title     string          `json:"title" validate:"required,min=3,max=255"`
	Questions json.RawMessage `json:"questions" validate:"required"`
}

// AssessmentResponse is the serialized representation of an assessment definition.
type AssessmentResponse struct {
	ID            uint      `json:"id"`
	Title         string    `json:"title"`
	QuestionCount int       `json:"question_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewAssessmentResponse converts a model into a DTO.
func NewAssessmentResponse(model models.Assessment, questionCount int) AssessmentResponse {
	return AssessmentResponse{
		ID:            model.ID,
		Title:         model.Title,
		QuestionCount: questionCount,
		CreatedAt:     model.CreatedAt,
	}
}

// PolicyCreateRequest assigns an assessment to a section.
type PolicyCreateRequest struct {
	AssessmentID     uint       `json:"assessment_id" validate:"required"`
	SectionID        uint       `json:"section_id" validate:"required"`
	AllowedAttempts  int        `json:"allowed_attempts" validate:"omitempty,min=1,max=50"`
	TimeLimitMinutes int        `json:"time_limit_minutes" validate:"omitempty,min=0,max=1440"`
	Deadline         *time.Time `json:"deadline"`
}

// PolicyResponse is the serialized representation of an assignment policy.
type PolicyResponse struct {
	ID               uint       `json:"id"`
	AssessmentID     uint       `json:"assessment_id"`
	SectionID        uint       `json:"section_id"`
	AllowedAttempts  int        `json:"allowed_attempts"`
	TimeLimitMinutes int        `json:"time_limit_minutes"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// NewPolicyResponse converts a model into a DTO.
func NewPolicyResponse(model models.AssignmentPolicy) PolicyResponse {
	return PolicyResponse{
		ID:               model.ID,
		AssessmentID:     model.AssessmentID,
		SectionID:        model.SectionID,
		AllowedAttempts:  model.MaxAttempts(),
		TimeLimitMinutes: model.TimeLimitMinutes,
		Deadline:         model.Deadline,
		CreatedAt:        model.CreatedAt,
	}
}

// GradeAttemptRequest records a teacher's grade for a manually graded attempt.
type GradeAttemptRequest struct {
	Score    float64  `json:"score" validate:"min=0"`
	MaxScore *float64 `json:"max_score" validate:"omitempty,gt=0"`
}

// AttemptResponse is the serialized representation of an attempt record.
type AttemptResponse struct {
	ID        uint       `json:"id"`
	UserID    uint       `json:"user_id"`
	PolicyID  uint       `json:"policy_id"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Score     *float64   `json:"score"`
	MaxScore  *float64   `json:"max_score"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewAttemptResponse converts a model into a DTO.
func NewAttemptResponse(model models.Attempt) AttemptResponse {
	return AttemptResponse{
		ID:        model.ID,
		UserID:    model.UserID,
		PolicyID:  model.PolicyID,
		StartedAt: model.StartedAt,
		Score:     model.Score,
		MaxScore:  model.MaxScore,
		CreatedAt: model.CreatedAt,
	}
}

// PaginationMeta describes a paged listing.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}

// AuditListRequest filters the audit trail.
type AuditListRequest struct {
	Page       int    `query:"page" validate:"omitempty,min=1"`
	PageSize   int    `query:"page_size" validate:"omitempty,min=1,max=100"`
	ActorID    uint   `query:"actor_id"`
	Action     string `query:"action" validate:"omitempty,max=64"`
	EntityType string `query:"entity_type" validate:"omitempty,max=64"`
}

// AuditEntryResponse serializes an audit trail entry.
type AuditEntryResponse struct {
	ID         uint                   `json:"id"`
	ActorID    uint                   `json:"actor_id"`
	ActorRole  string                 `json:"actor_role"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   *uint                  `json:"entity_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditListResponse wraps a page of audit entries.
type AuditListResponse struct {
	Items      []AuditEntryResponse `json:"items"`
	Pagination PaginationMeta       `json:"pagination"`
}

// NewAuditEntryResponse converts a model into a DTO.
func NewAuditEntryResponse(model models.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:         model.ID,
		ActorID:    model.ActorID,
		ActorRole:  model.ActorRole,
		Action:     model.Action,
		EntityType: model.EntityType,
		EntityID:   model.EntityID,
		Metadata:   map[string]interface{}(model.Metadata),
		CreatedAt:  model.CreatedAt,
	}
}
