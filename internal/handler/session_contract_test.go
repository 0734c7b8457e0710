package handler_test

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

func TestSessionResponseContract(t *testing.T) {
	schemaPath, err := filepath.Abs(filepath.Join("testdata", "session_response.schema.json"))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile("file://" + filepath.ToSlash(schemaPath))
	require.NoError(t, err)

	app := setupApp(t)
	policy := app.seedPolicy(t, quizQuestions, models.AssignmentPolicy{AllowedAttempts: 2, TimeLimitMinutes: 10})

	validate := func(method, suffix string, body interface{}) {
		t.Helper()
		resp, envelope := app.do(t, learner, method, sessionPath(policy.ID, suffix), body)
		require.Equal(t, http.StatusOK, resp.StatusCode, envelope.Message)

		raw, err := json.Marshal(envelope)
		require.NoError(t, err)
		var document interface{}
		require.NoError(t, json.Unmarshal(raw, &document))
		require.NoError(t, schema.Validate(document))
	}

	validate(http.MethodGet, "", nil)
	validate(http.MethodPost, "/start", nil)
	validate(http.MethodPut, "/answers/1", map[string]string{"text": "Water"})
	validate(http.MethodPost, "/submit", nil)
}
