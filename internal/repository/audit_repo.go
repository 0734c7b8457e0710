package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// AuditFilter narrows audit trail queries.
type AuditFilter struct {
	Page       int
	PageSize   int
	ActorID    *uint
	Action     string
	EntityType string
	EntityID   *uint
}

// AuditRepository persists the staff audit trail.
type AuditRepository interface {
	Create(ctx context.Context, entry *models.AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, int64, error)
}

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository constructs the audit repository.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Create(ctx context.Context, entry *models.AuditEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.AuditEntry{})

	if filter.ActorID != nil {
		query = query.Where("actor_id = ?", *filter.ActorID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != nil {
		query = query.Where("entity_id = ?", *filter.EntityID)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var entries []models.AuditEntry
	if err := query.Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}
