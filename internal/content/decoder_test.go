package content

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

func TestDecodeQuestionsValidDefinition(t *testing.T) {
	raw := []byte(`[
		{"kind": "multiple_choice", "prompt": "Capital of France?", "choices": ["Paris", "Rome"], "correct_answer": "Paris"},
		{"kind": "Fill-In-Blank", "prompt": "H2O is ___", "correct_answer": "water", "points": 2},
		{"kind": "matching", "prompt": "Match", "pairs": [{"prompt": "A", "answer": "1"}, {"prompt": "B", "answer": "2"}]},
		{"kind": "file_submission", "prompt": "Upload your essay"}
	]`)

	questions, err := DecodeQuestions(raw)
	require.NoError(t, err)
	require.Len(t, questions, 4)
	require.Equal(t, models.QuestionMultipleChoice, questions[0].Kind)
	require.Equal(t, models.QuestionFillInBlank, questions[1].Kind)
	require.Equal(t, 2.0, questions[1].Weight())
	require.Len(t, questions[2].Pairs, 2)
	require.True(t, questions[3].IsFileSubmission())
}

func TestDecodeQuestionsRejectsMalformedData(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"kind":`,
		"not an array":    `{"kind": "matching"}`,
		"missing prompt":  `[{"kind": "short_answer"}]`,
		"bad pairs":       `[{"kind": "matching", "prompt": "x", "pairs": [{"prompt": "A"}]}]`,
		"unknown kind":    `[{"kind": "essay", "prompt": "Discuss"}]`,
		"negative points": `[{"kind": "true_false", "prompt": "x", "points": -1}]`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			questions, err := DecodeQuestions([]byte(raw))
			require.ErrorIs(t, err, ErrMalformedQuestions)
			require.Nil(t, questions)
		})
	}
}

func TestDecodeQuestionsEmptyPayload(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "[]"} {
		questions, err := DecodeQuestions([]byte(raw))
		require.NoError(t, err)
		require.Empty(t, questions)
	}
}

func TestEncodeQuestionsRoundTrip(t *testing.T) {
	correct := "True"
	encoded, err := EncodeQuestions([]models.Question{{Kind: models.QuestionTrueFalse, Prompt: "Sky is blue", CorrectAnswer: &correct}})
	require.NoError(t, err)

	decoded, err := DecodeQuestions(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, "True", *decoded[0].CorrectAnswer)

	empty, err := EncodeQuestions(nil)
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(empty))
}

func TestPresenterHidesAnswersAndSanitizes(t *testing.T) {
	correct := "Paris"
	questions := []models.Question{
		{Kind: models.QuestionMultipleChoice, Prompt: `<p>Capital?</p><script>alert(1)</script>`, Choices: []string{"Paris", "<b>Rome</b>"}, CorrectAnswer: &correct},
		{Kind: models.QuestionMatching, Prompt: "Match", Pairs: []models.MatchingPair{{Prompt: "B", Answer: "2"}, {Prompt: "A", Answer: "1"}}},
	}

	views := NewPresenter().Present(questions)
	require.Len(t, views, 2)
	require.Equal(t, "<p>Capital?</p>", views[0].Prompt)
	require.Equal(t, []string{"Paris", "<b>Rome</b>"}, views[0].Choices)
	require.Equal(t, 1.0, views[0].Points)
	require.Equal(t, []string{"B", "A"}, views[1].MatchPrompts)
	require.Equal(t, []string{"1", "2"}, views[1].MatchOptions)
}
