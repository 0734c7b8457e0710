package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestPolicyRepositoryLoadsAssessment(t *testing.T) {
	db := setupAttemptTestDB(t)
	policy := seedPolicy(t, db)

	loaded, err := NewPolicyRepository(db).GetByID(context.Background(), policy.ID)
	require.NoError(t, err)
	require.Equal(t, policy.AssessmentID, loaded.Assessment.ID)
	require.Equal(t, "Cells", loaded.Assessment.Title)
	require.Equal(t, 2, loaded.MaxAttempts())
}

func TestPolicyRepositoryMissingPolicy(t *testing.T) {
	db := setupAttemptTestDB(t)

	_, err := NewPolicyRepository(db).GetByID(context.Background(), 404)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = NewAssessmentRepository(db).GetByID(context.Background(), 404)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
