package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// ErrAttemptAlreadyScored indicates a submission lost the race against another one that
// already wrote a score for the same attempt.
var ErrAttemptAlreadyScored = errors.New("attempt already scored")

// AttemptResult is the patch written to an attempt when it is submitted.
type AttemptResult struct {
	Score    *float64
	MaxScore *float64
	// SubmittedAt overwrites created_at when set; resumed timed attempts keep theirs.
	SubmittedAt *time.Time
}

// AttemptRepository persists attempt records. Attempts are never deleted.
type AttemptRepository interface {
	ListByUserAndPolicy(ctx context.Context, userID, policyID uint) ([]models.Attempt, error)
	GetByID(ctx context.Context, id uint) (models.Attempt, error)
	Create(ctx context.Context, attempt *models.Attempt) error
	// ApplyResult writes the submission result once; an attempt that already carries a
	// score yields ErrAttemptAlreadyScored and is left untouched.
	ApplyResult(ctx context.Context, id uint, result AttemptResult) (models.Attempt, error)
	// Grade overwrites the score of a manually graded attempt.
	Grade(ctx context.Context, id uint, score, maxScore float64) (models.Attempt, error)
}

type attemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository instantiates the repository.
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

func (r *attemptRepository) ListByUserAndPolicy(ctx context.Context, userID, policyID uint) ([]models.Attempt, error) {
	var attempts []models.Attempt
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("policy_id = ?", policyID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}

	return attempts, nil
}

func (r *attemptRepository) GetByID(ctx context.Context, id uint) (models.Attempt, error) {
	var attempt models.Attempt
	if err := r.db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		return models.Attempt{}, err
	}

	return attempt, nil
}

func (r *attemptRepository) Create(ctx context.Context, attempt *models.Attempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *attemptRepository) ApplyResult(ctx context.Context, id uint, result AttemptResult) (models.Attempt, error) {
	updates := map[string]interface{}{
		"score":     result.Score,
		"max_score": result.MaxScore,
	}
	if result.SubmittedAt != nil {
		updates["created_at"] = *result.SubmittedAt
	}

	outcome := r.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("id = ?", id).
		Where("score IS NULL").
		Updates(updates)
	if outcome.Error != nil {
		return models.Attempt{}, outcome.Error
	}
	if outcome.RowsAffected == 0 {
		existing, err := r.GetByID(ctx, id)
		if err != nil {
			return models.Attempt{}, err
		}
		return existing, ErrAttemptAlreadyScored
	}

	return r.GetByID(ctx, id)
}

func (r *attemptRepository) Grade(ctx context.Context, id uint, score, maxScore float64) (models.Attempt, error) {
	outcome := r.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"score": score, "max_score": maxScore})
	if outcome.Error != nil {
		return models.Attempt{}, outcome.Error
	}
	if outcome.RowsAffected == 0 {
		return models.Attempt{}, gorm.ErrRecordNotFound
	}

	return r.GetByID(ctx, id)
}
