package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/realtime"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
)

func testNow() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

type serviceFixture struct {
	db          *gorm.DB
	redis       *miniredis.Miniredis
	cache       *redis.Client
	feed        *realtime.Feed
	definitions DefinitionService
	sessions    SessionService
	audit       AuditService
	authoring   AuthoringService
}

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Assessment{},
		&models.AssignmentPolicy{},
		&models.Attempt{},
		&models.AnswerRecord{},
		&models.AuditEntry{},
	))
	return db
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	cache := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	db := setupServiceDB(t)
	feed := realtime.NewFeed(nil, "", nil, testLogger())
	validate := validator.New(validator.WithRequiredStructEnabled())

	attempts := repository.NewAttemptRepository(db)
	definitions := NewDefinitionService(repository.NewPolicyRepository(db), cache, time.Minute, feed, testLogger())
	audit := NewAuditService(repository.NewAuditRepository(db), validate, testLogger())

	sessions := NewSessionService(SessionServiceConfig{
		Definitions:  definitions,
		Attempts:     attempts,
		Answers:      repository.NewAnswerRepository(db),
		Feed:         feed,
		Validator:    validate,
		Logger:       testLogger(),
		Now:          testNow,
		TickInterval: time.Hour,
	})
	t.Cleanup(sessions.Shutdown)

	authoring := NewAuthoringService(AuthoringServiceConfig{
		Assessments: repository.NewAssessmentRepository(db),
		Policies:    repository.NewPolicyRepository(db),
		Attempts:    attempts,
		Definitions: definitions,
		Feed:        feed,
		Audit:       audit,
		Validator:   validate,
		Logger:      testLogger(),
	})

	return &serviceFixture{
		db:          db,
		redis:       server,
		cache:       cache,
		feed:        feed,
		definitions: definitions,
		sessions:    sessions,
		audit:       audit,
		authoring:   authoring,
	}
}

func (f *serviceFixture) seedPolicy(t *testing.T, questions string, policy models.AssignmentPolicy) models.AssignmentPolicy {
	t.Helper()
	assessment := models.Assessment{Title: "Unit test", Questions: datatypes.JSON([]byte(questions))}
	require.NoError(t, f.db.Create(&assessment).Error)

	policy.AssessmentID = assessment.ID
	if policy.SectionID == 0 {
		policy.SectionID = 3
	}
	require.NoError(t, repository.NewPolicyRepository(f.db).Create(context.Background(), &policy))
	return policy
}

func (f *serviceFixture) attempts(t *testing.T, userID, policyID uint) []models.Attempt {
	t.Helper()
	records, err := repository.NewAttemptRepository(f.db).ListByUserAndPolicy(context.Background(), userID, policyID)
	require.NoError(t, err)
	return records
}

const quizQuestions = `[
	{"kind": "multiple_choice", "prompt": "Capital of France?", "choices": ["Paris", "Rome"], "correct_answer": "Paris"},
	{"kind": "short_answer", "prompt": "H2O is", "correct_answer": "water"}
]`

const essayQuestions = `[{"kind": "file_submission", "prompt": "Upload your essay", "points": 10}]`

func strPtr(value string) *string {
	return &value
}
