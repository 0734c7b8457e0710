package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/attempt"
	"github.com/noah-isme/gema-assessment-api/internal/content"
	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/realtime"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
)

var (
	// ErrInvalidQuestions indicates the authored question list failed validation.
	ErrInvalidQuestions = errors.New("invalid question definition")
	// ErrAttemptNotFound indicates the attempt does not exist.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrNotManuallyGraded indicates the attempt is graded automatically.
	ErrNotManuallyGraded = errors.New("attempt is graded automatically")
	// ErrScoreExceedsMax indicates a grading score surpasses the maximum.
	ErrScoreExceedsMax = errors.New("score exceeds max score")
)

// AuthoringService covers the staff side of assessments: definitions, assignment
// policies and manual grading.
type AuthoringService interface {
	CreateAssessment(ctx context.Context, actor Actor, req dto.AssessmentCreateRequest) (dto.AssessmentResponse, error)
	CreatePolicy(ctx context.Context, actor Actor, req dto.PolicyCreateRequest) (dto.PolicyResponse, error)
	ListAttempts(ctx context.Context, policyID, userID uint) ([]dto.AttemptResponse, error)
	GradeAttempt(ctx context.Context, actor Actor, attemptID uint, req dto.GradeAttemptRequest) (dto.AttemptResponse, error)
}

// AuthoringServiceConfig wires the authoring service.
type AuthoringServiceConfig struct {
	Assessments repository.AssessmentRepository
	Policies    repository.PolicyRepository
	Attempts    repository.AttemptRepository
	Definitions DefinitionService
	Feed        attempt.ChangeFeed
	Audit       AuditRecorder
	Validator   *validator.Validate
	Logger      zerolog.Logger
}

type authoringService struct {
	assessments repository.AssessmentRepository
	policies    repository.PolicyRepository
	attempts    repository.AttemptRepository
	definitions DefinitionService
	feed        attempt.ChangeFeed
	audit       AuditRecorder
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewAuthoringService constructs the authoring service.
func NewAuthoringService(cfg AuthoringServiceConfig) AuthoringService {
	validate := cfg.Validator
	if validate == nil {
		validate = validator.New()
	}
	return &authoringService{
		assessments: cfg.Assessments,
		policies:    cfg.Policies,
		attempts:    cfg.Attempts,
		definitions: cfg.Definitions,
		feed:        cfg.Feed,
		audit:       cfg.Audit,
		validator:   validate,
		logger:      cfg.Logger.With().Str("component", "authoring_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-assessment-api/internal/service/authoring"),
		now:         time.Now,
	}
}

func (s *authoringService) CreateAssessment(ctx context.Context, actor Actor, req dto.AssessmentCreateRequest) (dto.AssessmentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "authoring.create_assessment")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.AssessmentResponse{}, err
	}

	questions, err := content.DecodeQuestions(req.Questions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid_questions")
		return dto.AssessmentResponse{}, fmt.Errorf("%w: %v", ErrInvalidQuestions, err)
	}
	normalized, err := content.EncodeQuestions(questions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode_failed")
		return dto.AssessmentResponse{}, err
	}

	assessment := models.Assessment{
		Title:     req.Title,
		Questions: datatypes.JSON(normalized),
	}
	if err := s.assessments.Create(ctx, &assessment); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create_failed")
		return dto.AssessmentResponse{}, err
	}

	s.publish(ctx, realtime.Change{
		Collection: realtime.CollectionAssessments,
		Operation:  realtime.OperationInsert,
		RecordID:   assessment.ID,
	})
	s.record(ctx, actor, "assessment.created", "assessment", assessment.ID, map[string]interface{}{
		"title":          assessment.Title,
		"question_count": len(questions),
	})

	span.SetAttributes(attribute.Int("assessment.id", int(assessment.ID)), attribute.Int("assessment.questions", len(questions)))
	span.SetStatus(codes.Ok, "created")
	return dto.NewAssessmentResponse(assessment, len(questions)), nil
}

func (s *authoringService) CreatePolicy(ctx context.Context, actor Actor, req dto.PolicyCreateRequest) (dto.PolicyResponse, error) {
	ctx, span := s.tracer.Start(ctx, "authoring.create_policy")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.PolicyResponse{}, err
	}

	if _, err := s.assessments.GetByID(ctx, req.AssessmentID); err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "assessment_not_found")
			return dto.PolicyResponse{}, ErrAssessmentNotFound
		}
		span.SetStatus(codes.Error, "assessment_lookup_failed")
		return dto.PolicyResponse{}, err
	}

	allowed := req.AllowedAttempts
	if allowed <= 0 {
		allowed = 1
	}
	policy := models.AssignmentPolicy{
		AssessmentID:     req.AssessmentID,
		SectionID:        req.SectionID,
		AllowedAttempts:  allowed,
		TimeLimitMinutes: req.TimeLimitMinutes,
		Deadline:         req.Deadline,
	}
	if err := s.policies.Create(ctx, &policy); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create_failed")
		return dto.PolicyResponse{}, err
	}

	s.publish(ctx, realtime.Change{
		Collection: realtime.CollectionPolicies,
		Operation:  realtime.OperationInsert,
		RecordID:   policy.ID,
		Keys:       map[string]string{"assessment_id": formatID(policy.AssessmentID)},
	})
	s.record(ctx, actor, "policy.created", "assignment_policy", policy.ID, map[string]interface{}{
		"assessment_id":      policy.AssessmentID,
		"section_id":         policy.SectionID,
		"allowed_attempts":   policy.AllowedAttempts,
		"time_limit_minutes": policy.TimeLimitMinutes,
	})

	span.SetAttributes(attribute.Int("policy.id", int(policy.ID)))
	span.SetStatus(codes.Ok, "created")
	return dto.NewPolicyResponse(policy), nil
}

func (s *authoringService) ListAttempts(ctx context.Context, policyID, userID uint) ([]dto.AttemptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "authoring.list_attempts")
	defer span.End()
	span.SetAttributes(attribute.Int("policy.id", int(policyID)), attribute.Int("user.id", int(userID)))

	if _, err := s.policies.GetByID(ctx, policyID); err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "policy_not_found")
			return nil, ErrPolicyNotFound
		}
		span.SetStatus(codes.Error, "policy_lookup_failed")
		return nil, &attempt.FetchError{Op: "policy", Err: err}
	}

	attempts, err := s.attempts.ListByUserAndPolicy(ctx, userID, policyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list_failed")
		return nil, &attempt.FetchError{Op: "attempts", Err: err}
	}

	responses := make([]dto.AttemptResponse, 0, len(attempts))
	for _, record := range attempts {
		responses = append(responses, dto.NewAttemptResponse(record))
	}
	return responses, nil
}

func (s *authoringService) GradeAttempt(ctx context.Context, actor Actor, attemptID uint, req dto.GradeAttemptRequest) (dto.AttemptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "authoring.grade_attempt")
	defer span.End()
	span.SetAttributes(
		attribute.Int("attempt.id", int(attemptID)),
		attribute.Int("grading.actor_id", int(actor.ID)),
	)

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.AttemptResponse{}, err
	}

	record, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "attempt_not_found")
			return dto.AttemptResponse{}, ErrAttemptNotFound
		}
		span.SetStatus(codes.Error, "attempt_lookup_failed")
		return dto.AttemptResponse{}, &attempt.FetchError{Op: "attempt", Err: err}
	}

	definition, err := s.definitions.Load(ctx, record.PolicyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "definition_failed")
		return dto.AttemptResponse{}, err
	}
	if !models.FileSubmissionOnly(definition.Questions) {
		span.SetStatus(codes.Error, "not_manual")
		return dto.AttemptResponse{}, ErrNotManuallyGraded
	}

	maxScore := totalWeight(definition.Questions)
	if req.MaxScore != nil {
		maxScore = *req.MaxScore
	}
	if req.Score > maxScore+1e-9 {
		span.SetStatus(codes.Error, "score_exceeds_max")
		return dto.AttemptResponse{}, ErrScoreExceedsMax
	}

	score := req.Score
	updated, err := s.attempts.Grade(ctx, record.ID, score, maxScore)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grade_failed")
		return dto.AttemptResponse{}, &attempt.PersistenceError{Op: "grade", Err: err}
	}

	s.publish(ctx, realtime.Change{
		Collection: realtime.CollectionAttempts,
		Operation:  realtime.OperationUpdate,
		RecordID:   updated.ID,
		Keys: map[string]string{
			"user_id":   formatID(updated.UserID),
			"policy_id": formatID(updated.PolicyID),
		},
	})
	s.record(ctx, actor, "attempt.graded", "attempt", updated.ID, map[string]interface{}{
		"user_id":   updated.UserID,
		"policy_id": updated.PolicyID,
		"score":     score,
		"max_score": maxScore,
	})

	s.logger.Info().
		Uint("attempt_id", updated.ID).
		Uint("actor_id", actor.ID).
		Float64("score", score).
		Msg("attempt graded")

	span.SetAttributes(attribute.Float64("grading.score", score))
	span.SetStatus(codes.Ok, "graded")
	return dto.NewAttemptResponse(updated), nil
}

func (s *authoringService) publish(ctx context.Context, change realtime.Change) {
	if s.feed == nil {
		return
	}
	change.OccurredAt = s.now().UTC()
	if err := s.feed.Publish(ctx, change); err != nil {
		s.logger.Warn().Err(err).Str("collection", string(change.Collection)).Msg("failed to publish change")
	}
}

func (s *authoringService) record(ctx context.Context, actor Actor, action, entityType string, entityID uint, metadata map[string]interface{}) {
	if s.audit == nil {
		return
	}
	id := entityID
	if _, err := s.audit.Record(ctx, AuditRecord{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   &id,
		Metadata:   metadata,
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to record audit entry")
	}
}

func totalWeight(questions []models.Question) float64 {
	total := 0.0
	for _, question := range questions {
		total += question.Weight()
	}
	return total
}

func formatID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
