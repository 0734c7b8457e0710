package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment-api/internal/attempt"
	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
)

func TestSessionServiceUntimedTwoAttempts(t *testing.T) {
	fixture := newServiceFixture(t)
	policy := fixture.seedPolicy(t, quizQuestions, models.AssignmentPolicy{AllowedAttempts: 2})
	ctx := context.Background()
	svc := fixture.sessions

	opened, err := svc.Open(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateInProgress), opened.State)
	require.False(t, opened.Timed)
	require.Equal(t, 0, opened.AttemptCount)
	require.Len(t, opened.Questions, 2)
	require.Equal(t, []string{"Paris", "Rome"}, opened.Questions[0].Choices)
	require.Empty(t, fixture.attempts(t, 7, policy.ID))

	_, err = svc.SetAnswer(ctx, 7, policy.ID, 0, dto.AnswerRequest{Text: strPtr("Paris")})
	require.NoError(t, err)

	submitted, err := svc.Submit(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateViewingResults), submitted.State)
	require.Equal(t, 1, submitted.AttemptCount)
	require.True(t, submitted.CanReattempt)
	require.NotNil(t, submitted.Result)
	require.Equal(t, 1.0, submitted.Result.Points)
	require.Equal(t, 2.0, submitted.Result.TotalPossible)
	require.Equal(t, testNow(), submitted.Result.SubmittedAt.UTC())

	stored := fixture.attempts(t, 7, policy.ID)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].Score)
	require.Equal(t, 1.0, *stored[0].Score)
	require.Nil(t, stored[0].StartedAt)

	retried, err := svc.Reattempt(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateInProgress), retried.State)
	require.Empty(t, retried.Answers)
	require.Nil(t, retried.Result)

	_, err = svc.SetAnswer(ctx, 7, policy.ID, 1, dto.AnswerRequest{Text: strPtr("Water")})
	require.NoError(t, err)
	final, err := svc.Submit(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, 2, final.AttemptCount)
	require.False(t, final.CanReattempt)
	require.Equal(t, 1.0, final.Result.Points)

	_, err = svc.Reattempt(ctx, 7, policy.ID)
	var policyErr *attempt.PolicyViolation
	require.ErrorAs(t, err, &policyErr)
	require.ErrorIs(t, err, attempt.ErrAttemptLimitReached)

	require.NoError(t, svc.Close(ctx, 7, policy.ID))

	reopened, err := svc.Open(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateViewingResults), reopened.State)
	require.NotNil(t, reopened.Result)
	require.Equal(t, "Water", *reopened.Result.Answers[1].Text)
	require.Len(t, fixture.attempts(t, 7, policy.ID), 2)
}

func TestSessionServiceAwaitingChoiceAndViewLast(t *testing.T) {
	fixture := newServiceFixture(t)
	policy := fixture.seedPolicy(t, quizQuestions, models.AssignmentPolicy{AllowedAttempts: 3})
	ctx := context.Background()
	svc := fixture.sessions

	_, err := svc.SetAnswer(ctx, 9, policy.ID, 0, dto.AnswerRequest{Text: strPtr("Rome")})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, 9, policy.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx, 9, policy.ID))

	opened, err := svc.Open(ctx, 9, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateAwaitingChoice), opened.State)
	require.True(t, opened.CanViewLast)
	require.True(t, opened.CanReattempt)

	viewed, err := svc.ViewLast(ctx, 9, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateViewingResults), viewed.State)
	require.NotNil(t, viewed.Result)
	require.Equal(t, 0.0, viewed.Result.Points)
	require.False(t, viewed.Result.Outcomes[0].Correct)

	_, err = svc.ViewLast(ctx, 9, policy.ID)
	require.ErrorIs(t, err, attempt.ErrInvalidTransition)
}

func TestSessionServiceRejectsBadAnswers(t *testing.T) {
	fixture := newServiceFixture(t)
	policy := fixture.seedPolicy(t, quizQuestions, models.AssignmentPolicy{AllowedAttempts: 1})
	ctx := context.Background()
	svc := fixture.sessions

	_, err := svc.SetAnswer(ctx, 7, policy.ID, 5, dto.AnswerRequest{Text: strPtr("x")})
	require.ErrorIs(t, err, attempt.ErrQuestionOutOfRange)

	_, err = svc.SetAnswer(ctx, 7, policy.ID, 0, dto.AnswerRequest{Matches: []*string{strPtr("A")}})
	require.ErrorIs(t, err, ErrAnswerMismatch)

	_, err = svc.SetAnswer(ctx, 7, policy.ID, 0, dto.AnswerRequest{
		Files: []dto.FileReferencePayload{{URL: "not-a-url", Name: "essay.pdf"}},
	})
	var validationErrs validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrs))

	_, err = svc.AttachFile(ctx, 7, policy.ID, 0, models.FileReference{URL: "https://cdn.example.com/a.pdf", Name: "a.pdf"})
	require.ErrorIs(t, err, ErrNotFileQuestion)

	cleared, err := svc.SetAnswer(ctx, 7, policy.ID, 0, dto.AnswerRequest{})
	require.NoError(t, err)
	require.Empty(t, cleared.Answers)
}

func TestSessionServiceTimedStartAndResume(t *testing.T) {
	fixture := newServiceFixture(t)
	policy := fixture.seedPolicy(t, quizQuestions, models.AssignmentPolicy{AllowedAttempts: 1, TimeLimitMinutes: 30})
	ctx := context.Background()
	svc := fixture.sessions

	opened, err := svc.Open(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateNotStarted), opened.State)
	require.True(t, opened.Timed)

	_, err = svc.SetAnswer(ctx, 7, policy.ID, 0, dto.AnswerRequest{Text: strPtr("Paris")})
	require.ErrorIs(t, err, attempt.ErrInvalidTransition)

	started, err := svc.Start(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateInProgress), started.State)
	require.NotNil(t, started.AttemptID)
	require.Equal(t, int64(1800), started.RemainingSeconds)
	require.NotNil(t, started.ExpiresAt)
	require.Equal(t, testNow().Add(30*time.Minute), started.ExpiresAt.UTC())

	stored := fixture.attempts(t, 7, policy.ID)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].StartedAt)
	require.Nil(t, stored[0].Score)

	require.NoError(t, svc.Close(ctx, 7, policy.ID))

	resumed, err := svc.Open(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateInProgress), resumed.State)
	require.Equal(t, *started.AttemptID, *resumed.AttemptID)

	again, err := svc.Start(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, *started.AttemptID, *again.AttemptID)
	require.Len(t, fixture.attempts(t, 7, policy.ID), 1)

	_, err = svc.SetAnswer(ctx, 7, policy.ID, 0, dto.AnswerRequest{Text: strPtr("Paris")})
	require.NoError(t, err)
	submitted, err := svc.Submit(ctx, 7, policy.ID)
	require.NoError(t, err)
	require.Equal(t, string(attempt.StateViewingResults), submitted.State)
	require.Equal(t, 1, submitted.AttemptCount)
	require.Equal(t, *started.AttemptID, submitted.Result.AttemptID)
	require.Len(t, fixture.attempts(t, 7, policy.ID), 1)
}

func TestSessionServiceDeadlineBlocksStart(t *testing.T) {
	fixture := newServiceFixture(t)
	deadline := testNow().Add(-time.Hour)
	policy := fixture.seedPolicy(t, quizQuestions, models.AssignmentPolicy{AllowedAttempts: 1, TimeLimitMinutes: 10, Deadline: &deadline})

	_, err := fixture.sessions.Start(context.Background(), 7, policy.ID)
	require.ErrorIs(t, err, attempt.ErrDeadlinePassed)
	require.Empty(t, fixture.attempts(t, 7, policy.ID))
}

func TestSessionServiceUnknownPolicy(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.sessions.Open(context.Background(), 7, 404)
	require.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestSessionServiceStreamsStateEvents(t *testing.T) {
	fixture := newServiceFixture(t)
	policy := fixture.seedPolicy(t, quizQuestions, models.AssignmentPolicy{AllowedAttempts: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop, err := fixture.sessions.Stream(ctx, 7, policy.ID)
	require.NoError(t, err)
	defer stop()

	initial := <-events
	require.Equal(t, string(attempt.EventState), initial.Type)
	require.NotNil(t, initial.Session)
	require.Equal(t, string(attempt.StateInProgress), initial.Session.State)

	_, err = fixture.sessions.Submit(context.Background(), 7, policy.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case event := <-events:
			return event.Session != nil && event.Session.State == string(attempt.StateViewingResults)
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestAnswerFits(t *testing.T) {
	matching := models.Question{Kind: models.QuestionMatching}
	file := models.Question{Kind: models.QuestionFileSubmission}
	text := models.Question{Kind: models.QuestionShortAnswer}
	ref := models.FileReference{URL: "https://cdn.example.com/a.pdf", Name: "a.pdf"}

	require.True(t, answerFits(matching, models.AnswerValue{Matches: []*string{strPtr("1")}}))
	require.False(t, answerFits(matching, models.TextAnswer("1")))
	require.True(t, answerFits(file, models.AnswerValue{Files: []models.FileReference{ref}}))
	require.False(t, answerFits(file, models.TextAnswer("essay")))
	require.True(t, answerFits(text, models.TextAnswer("water")))
	require.False(t, answerFits(text, models.AnswerValue{Files: []models.FileReference{ref}}))
	require.True(t, answerFits(text, models.AnswerValue{}))
}

func TestSessionServiceAttachFileAppends(t *testing.T) {
	fixture := newServiceFixture(t)
	policy := fixture.seedPolicy(t, essayQuestions, models.AssignmentPolicy{AllowedAttempts: 1})
	ctx := context.Background()
	svc := fixture.sessions

	_, err := svc.AttachFile(ctx, 7, policy.ID, 0, models.FileReference{URL: "https://cdn.example.com/draft.pdf", Name: "draft.pdf"})
	require.NoError(t, err)
	response, err := svc.AttachFile(ctx, 7, policy.ID, 0, models.FileReference{URL: "https://cdn.example.com/final.pdf", Name: "final.pdf"})
	require.NoError(t, err)

	files := response.Answers[0].Files
	require.Len(t, files, 2)
	require.Equal(t, "draft.pdf", files[0].Name)
	require.Equal(t, "final.pdf", files[1].Name)
}
