package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// AssessmentRepository reads assessment definitions.
type AssessmentRepository interface {
	GetByID(ctx context.Context, id uint) (models.Assessment, error)
	Create(ctx context.Context, assessment *models.Assessment) error
}

type assessmentRepository struct {
	db *gorm.DB
}

// NewAssessmentRepository instantiates a GORM-backed repository.
func NewAssessmentRepository(db *gorm.DB) AssessmentRepository {
	return &assessmentRepository{db: db}
}

func (r *assessmentRepository) GetByID(ctx context.Context, id uint) (models.Assessment, error) {
	var assessment models.Assessment
	if err := r.db.WithContext(ctx).First(&assessment, id).Error; err != nil {
		return models.Assessment{}, err
	}

	return assessment, nil
}

func (r *assessmentRepository) Create(ctx context.Context, assessment *models.Assessment) error {
	return r.db.WithContext(ctx).Create(assessment).Error
}

// PolicyRepository reads per-section assignment policies together with their assessment.
type PolicyRepository interface {
	GetByID(ctx context.Context, id uint) (models.AssignmentPolicy, error)
	Create(ctx context.Context, policy *models.AssignmentPolicy) error
}

type policyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository instantiates the repository.
func NewPolicyRepository(db *gorm.DB) PolicyRepository {
	return &policyRepository{db: db}
}

func (r *policyRepository) GetByID(ctx context.Context, id uint) (models.AssignmentPolicy, error) {
	var policy models.AssignmentPolicy
	if err := r.db.WithContext(ctx).Preload("Assessment").First(&policy, id).Error; err != nil {
		return models.AssignmentPolicy{}, err
	}

	return policy, nil
}

func (r *policyRepository) Create(ctx context.Context, policy *models.AssignmentPolicy) error {
	return r.db.WithContext(ctx).Omit("Assessment").Create(policy).Error
}
