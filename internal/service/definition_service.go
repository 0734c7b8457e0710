package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/attempt"
	"github.com/noah-isme/gema-assessment-api/internal/content"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/realtime"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
)

var (
	// ErrPolicyNotFound indicates the assignment policy does not exist.
	ErrPolicyNotFound = errors.New("assignment policy not found")
	// ErrAssessmentNotFound indicates the assessment definition does not exist.
	ErrAssessmentNotFound = errors.New("assessment not found")
)

// Definition is everything a session needs to know about an assigned assessment.
type Definition struct {
	Policy       models.AssignmentPolicy `json:"policy"`
	AssessmentID uint                    `json:"assessment_id"`
	Title        string                  `json:"title"`
	Questions    []models.Question       `json:"questions"`
	Warnings     []string                `json:"warnings,omitempty"`
}

// DefinitionService loads assessment definitions through a cache.
type DefinitionService interface {
	Load(ctx context.Context, policyID uint) (Definition, error)
	Invalidate(ctx context.Context, policyID uint)
}

type definitionService struct {
	policies repository.PolicyRepository
	cache    *redis.Client
	ttl      time.Duration
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewDefinitionService constructs the loader. When feed is non-nil, policy changes
// evict the cached definition.
func NewDefinitionService(policies repository.PolicyRepository, cache *redis.Client, ttl time.Duration, feed attempt.ChangeFeed, logger zerolog.Logger) DefinitionService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	svc := &definitionService{
		policies: policies,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.With().Str("component", "definition_service").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/gema-assessment-api/internal/service/definition"),
	}

	if feed != nil {
		feed.Subscribe(realtime.CollectionPolicies, nil, svc.handlePolicyChange)
	}

	return svc
}

func (s *definitionService) Load(ctx context.Context, policyID uint) (Definition, error) {
	ctx, span := s.tracer.Start(ctx, "definition.load")
	defer span.End()
	span.SetAttributes(attribute.Int("policy.id", int(policyID)))

	cacheKey := definitionCacheKey(policyID)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var definition Definition
			if unmarshalErr := json.Unmarshal([]byte(cached), &definition); unmarshalErr == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				return definition, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read definition cache")
		}
	}

	policy, err := s.policies.GetByID(ctx, policyID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "not found")
			return Definition{}, ErrPolicyNotFound
		}
		span.SetStatus(codes.Error, "fetch failed")
		return Definition{}, &attempt.FetchError{Op: "definition", Err: err}
	}
	if policy.Assessment.ID == 0 {
		span.SetStatus(codes.Error, "assessment missing")
		return Definition{}, ErrAssessmentNotFound
	}

	definition := Definition{
		Policy:       policy,
		AssessmentID: policy.Assessment.ID,
		Title:        policy.Assessment.Title,
	}

	questions, err := content.DecodeQuestions(policy.Assessment.Questions)
	if err != nil {
		configErr := &attempt.ConfigurationError{AssessmentID: policy.Assessment.ID, Err: err}
		s.logger.Error().Err(configErr).Uint("policy_id", policyID).Msg("assessment definition unusable, presenting zero questions")
		span.RecordError(configErr)
		questions = []models.Question{}
		definition.Warnings = append(definition.Warnings, "assessment questions could not be loaded")
	}
	definition.Questions = questions
	definition.Policy.Assessment = models.Assessment{}

	if s.cache != nil {
		if payload, err := json.Marshal(definition); err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.ttl).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store definition cache")
			}
		}
	}

	span.SetStatus(codes.Ok, "loaded")
	return definition, nil
}

func (s *definitionService) Invalidate(ctx context.Context, policyID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, definitionCacheKey(policyID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("policy_id", policyID).Msg("failed to evict definition cache")
	}
}

func (s *definitionService) handlePolicyChange(change realtime.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Invalidate(ctx, change.RecordID)
}

func definitionCacheKey(policyID uint) string {
	return fmt.Sprintf("assessment:definition:policy:%d", policyID)
}
