package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// AnswerRepository persists submitted answers. Answers are immutable once written.
type AnswerRepository interface {
	CreateBatch(ctx context.Context, answers []models.AnswerRecord) error
	ListByAttempt(ctx context.Context, attemptID uint) ([]models.AnswerRecord, error)
}

type answerRepository struct {
	db *gorm.DB
}

// NewAnswerRepository instantiates the repository.
func NewAnswerRepository(db *gorm.DB) AnswerRepository {
	return &answerRepository{db: db}
}

// CreateBatch writes all answers in one transaction; either every row lands or none does.
func (r *answerRepository) CreateBatch(ctx context.Context, answers []models.AnswerRecord) error {
	if len(answers) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Omit("Attempt").Create(&answers).Error
	})
}

func (r *answerRepository) ListByAttempt(ctx context.Context, attemptID uint) ([]models.AnswerRecord, error) {
	var answers []models.AnswerRecord
	if err := r.db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("question_index ASC").
		Find(&answers).Error; err != nil {
		return nil, err
	}

	return answers, nil
}
