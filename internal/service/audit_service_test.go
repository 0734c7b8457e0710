package service

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
)

type memoryAuditRepo struct {
	entries []models.AuditEntry
	filter  repository.AuditFilter
}

func (m *memoryAuditRepo) Create(ctx context.Context, entry *models.AuditEntry) error {
	entry.ID = uint(len(m.entries) + 1)
	entry.CreatedAt = time.Now()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryAuditRepo) List(ctx context.Context, filter repository.AuditFilter) ([]models.AuditEntry, int64, error) {
	m.filter = filter
	return append([]models.AuditEntry(nil), m.entries...), int64(len(m.entries)), nil
}

func TestAuditServiceRecordMasksSensitiveMetadata(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc := NewAuditService(repo, validator.New(validator.WithRequiredStructEnabled()), testLogger())

	id := uint(5)
	entry, err := svc.Record(context.Background(), AuditRecord{
		Actor:      Actor{ID: 1, Role: "Admin"},
		Action:     "Attempt.Graded",
		EntityType: "attempt",
		EntityID:   &id,
		Metadata: map[string]interface{}{
			"student_email": "student@example.com",
			"score":         8,
		},
	})
	require.NoError(t, err)
	require.Equal(t, "***", entry.Metadata["student_email"])
	require.Equal(t, 8, entry.Metadata["score"])
	require.Equal(t, "attempt.graded", entry.Action)
	require.Equal(t, "admin", entry.ActorRole)

	_, err = svc.Record(context.Background(), AuditRecord{EntityType: "attempt"})
	require.Error(t, err)
}

func TestAuditServiceListPaginates(t *testing.T) {
	repo := &memoryAuditRepo{}
	svc := NewAuditService(repo, validator.New(validator.WithRequiredStructEnabled()), testLogger())
	for i := 0; i < 3; i++ {
		_, err := svc.Record(context.Background(), AuditRecord{Action: "policy.created", EntityType: "assignment_policy"})
		require.NoError(t, err)
	}

	listed, err := svc.List(context.Background(), dto.AuditListRequest{Page: 1, PageSize: 2, ActorID: 4, Action: " Policy.Created "})
	require.NoError(t, err)
	require.Equal(t, 2, listed.Pagination.TotalPages)
	require.Equal(t, int64(3), listed.Pagination.TotalItems)
	require.Equal(t, "policy.created", repo.filter.Action)
	require.Equal(t, uint(4), *repo.filter.ActorID)
	require.Equal(t, "system", listed.Items[0].ActorRole)

	_, err = svc.List(context.Background(), dto.AuditListRequest{PageSize: 500})
	require.Error(t, err)
}
