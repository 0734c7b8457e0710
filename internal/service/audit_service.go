package service

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
)

var (
	errAuditActionRequired = errors.New("action is required")
	errAuditEntityRequired = errors.New("entity type is required")
)

// Actor is the authenticated staff member performing an authoring action.
type Actor struct {
	ID   uint
	Role string
}

// AuditRecord captures the details of one audit trail entry.
type AuditRecord struct {
	Actor      Actor
	Action     string
	EntityType string
	EntityID   *uint
	Metadata   map[string]interface{}
}

// AuditRecorder persists audit trail entries.
type AuditRecorder interface {
	Record(ctx context.Context, record AuditRecord) (dto.AuditEntryResponse, error)
}

// AuditService records and lists the staff audit trail.
type AuditService interface {
	AuditRecorder
	List(ctx context.Context, req dto.AuditListRequest) (dto.AuditListResponse, error)
}

type auditService struct {
	repo      repository.AuditRepository
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAuditService constructs the audit trail service.
func NewAuditService(repo repository.AuditRepository, validator *validator.Validate, logger zerolog.Logger) AuditService {
	return &auditService{
		repo:      repo,
		validator: validator,
		logger:    logger.With().Str("component", "audit_service").Logger(),
	}
}

func (s *auditService) Record(ctx context.Context, record AuditRecord) (dto.AuditEntryResponse, error) {
	if strings.TrimSpace(record.Action) == "" {
		return dto.AuditEntryResponse{}, errAuditActionRequired
	}
	if strings.TrimSpace(record.EntityType) == "" {
		return dto.AuditEntryResponse{}, errAuditEntityRequired
	}

	entry := models.AuditEntry{
		ActorID:    record.Actor.ID,
		ActorRole:  normalizeRole(record.Actor.Role),
		Action:     strings.ToLower(strings.TrimSpace(record.Action)),
		EntityType: strings.ToLower(strings.TrimSpace(record.EntityType)),
		EntityID:   record.EntityID,
		Metadata:   sanitizeMetadata(record.Metadata),
	}

	if err := s.repo.Create(ctx, &entry); err != nil {
		s.logger.Error().Err(err).Str("action", entry.Action).Msg("failed to persist audit entry")
		return dto.AuditEntryResponse{}, err
	}

	return dto.NewAuditEntryResponse(entry), nil
}

func (s *auditService) List(ctx context.Context, req dto.AuditListRequest) (dto.AuditListResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.AuditListResponse{}, err
	}

	filter := repository.AuditFilter{
		Page:       req.Page,
		PageSize:   req.PageSize,
		Action:     strings.ToLower(strings.TrimSpace(req.Action)),
		EntityType: strings.ToLower(strings.TrimSpace(req.EntityType)),
	}
	if req.ActorID > 0 {
		filter.ActorID = &req.ActorID
	}

	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return dto.AuditListResponse{}, err
	}

	items := make([]dto.AuditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dto.NewAuditEntryResponse(entry))
	}

	pagination := dto.PaginationMeta{
		Page:       maxInt(req.Page, 1),
		PageSize:   req.PageSize,
		TotalItems: total,
		TotalPages: 1,
	}
	if req.PageSize > 0 {
		pagination.TotalPages = int(math.Ceil(float64(total) / float64(req.PageSize)))
	}

	return dto.AuditListResponse{Items: items, Pagination: pagination}, nil
}

func sanitizeMetadata(metadata map[string]interface{}) datatypes.JSONMap {
	sanitized := datatypes.JSONMap{}
	for key, value := range metadata {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "email") || strings.Contains(lower, "token") {
			sanitized[key] = "***"
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

func normalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	if r == "" {
		return "system"
	}
	return r
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
