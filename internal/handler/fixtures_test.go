package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/database"
	"github.com/noah-isme/gema-assessment-api/internal/handler"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/realtime"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/router"
	"github.com/noah-isme/gema-assessment-api/internal/service"
)

const (
	quizQuestions  = `[{"kind": "multiple_choice", "prompt": "Capital of France?", "choices": ["Paris", "Rome"], "correct_answer": "Paris"}, {"kind": "short_answer", "prompt": "H2O is", "correct_answer": "water"}]`
	essayQuestions = `[{"kind": "file_submission", "prompt": "Upload your essay", "points": 10}]`
)

type testStorage struct{}

func (testStorage) Upload(_ context.Context, name string, _ io.Reader) (string, error) {
	return "https://cdn.example.com/answers/" + name, nil
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
}

type testApp struct {
	app *fiber.App
	db  *gorm.DB
}

// setupApp mounts the real router; the fake JWT middleware reads the caller from
// the X-Test-User and X-Test-Role headers.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	validate := validator.New(validator.WithRequiredStructEnabled())
	logger := zerolog.New(io.Discard)
	feed := realtime.NewFeed(nil, "", nil, logger)

	policies := repository.NewPolicyRepository(db)
	attempts := repository.NewAttemptRepository(db)
	definitions := service.NewDefinitionService(policies, nil, time.Minute, feed, logger)
	sessions := service.NewSessionService(service.SessionServiceConfig{
		Definitions:  definitions,
		Attempts:     attempts,
		Answers:      repository.NewAnswerRepository(db),
		Feed:         feed,
		Validator:    validate,
		Logger:       logger,
		TickInterval: time.Hour,
	})
	t.Cleanup(sessions.Shutdown)

	audit := service.NewAuditService(repository.NewAuditRepository(db), validate, logger)
	authoring := service.NewAuthoringService(service.AuthoringServiceConfig{
		Assessments: repository.NewAssessmentRepository(db),
		Policies:    policies,
		Attempts:    attempts,
		Definitions: definitions,
		Feed:        feed,
		Audit:       audit,
		Validator:   validate,
		Logger:      logger,
	})
	uploads := service.NewUploadService(testStorage{}, 1, logger)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", AppEnv: "test", JWTSecret: "secret"}, router.Dependencies{
		SessionHandler:   handler.NewSessionHandler(sessions, uploads, nil, logger),
		AuthoringHandler: handler.NewAuthoringHandler(authoring, audit, logger),
		JWTMiddleware: func(c *fiber.Ctx) error {
			if raw := c.Get("X-Test-User"); raw != "" {
				id, err := strconv.ParseUint(raw, 10, 64)
				if err != nil {
					return fiber.ErrUnauthorized
				}
				c.Locals("user_id", uint(id))
			}
			c.Locals("user_role", c.Get("X-Test-Role"))
			return c.Next()
		},
	})

	return &testApp{app: app, db: db}
}

func (a *testApp) seedPolicy(t *testing.T, questions string, policy models.AssignmentPolicy) models.AssignmentPolicy {
	t.Helper()
	assessment := models.Assessment{Title: "Handler test", Questions: datatypes.JSON([]byte(questions))}
	require.NoError(t, a.db.Create(&assessment).Error)

	policy.AssessmentID = assessment.ID
	if policy.SectionID == 0 {
		policy.SectionID = 3
	}
	require.NoError(t, a.db.Create(&policy).Error)
	return policy
}

type caller struct {
	id   uint
	role string
}

var (
	learner = caller{id: 7, role: "student"}
	teacher = caller{id: 2, role: "teacher"}
	admin   = caller{id: 1, role: "admin"}
)

func (a *testApp) do(t *testing.T, who caller, method, path string, body interface{}) (*http.Response, apiEnvelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(t, who, req)
}

func (a *testApp) send(t *testing.T, who caller, req *http.Request) (*http.Response, apiEnvelope) {
	t.Helper()

	if who.id != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(who.id), 10))
	}
	req.Header.Set("X-Test-Role", who.role)

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)

	var envelope apiEnvelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &envelope), string(raw))
	}
	return resp, envelope
}

func decodeData(t *testing.T, envelope apiEnvelope, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func sessionPath(policyID uint, suffix string) string {
	return fmt.Sprintf("/api/v2/assessments/policies/%d/session%s", policyID, suffix)
}
