package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-assessment-api/internal/attempt"
	"github.com/noah-isme/gema-assessment-api/internal/content"
	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
)

var (
	// ErrAnswerMismatch indicates the answer shape does not fit the question kind.
	ErrAnswerMismatch = errors.New("answer does not match question kind")
	// ErrNotFileQuestion indicates a file was attached to a question that does not accept files.
	ErrNotFileQuestion = errors.New("question does not accept file answers")
)

const streamBuffer = 16

// SessionService keeps one attempt session per learner and assigned assessment.
type SessionService interface {
	Open(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error)
	Start(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error)
	SetAnswer(ctx context.Context, userID, policyID uint, index int, req dto.AnswerRequest) (dto.SessionResponse, error)
	AttachFile(ctx context.Context, userID, policyID uint, index int, file models.FileReference) (dto.SessionResponse, error)
	Submit(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error)
	ViewLast(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error)
	Reattempt(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error)
	Close(ctx context.Context, userID, policyID uint) error
	Stream(ctx context.Context, userID, policyID uint) (<-chan dto.SessionEvent, func(), error)
	Shutdown()
}

// SessionServiceConfig wires the session registry.
type SessionServiceConfig struct {
	Definitions  DefinitionService
	Attempts     repository.AttemptRepository
	Answers      repository.AnswerRepository
	Feed         attempt.ChangeFeed
	Presenter    *content.Presenter
	Validator    *validator.Validate
	Logger       zerolog.Logger
	Now          func() time.Time
	TickInterval time.Duration
}

type sessionKey struct {
	userID   uint
	policyID uint
}

type sessionEntry struct {
	session    *attempt.Session
	definition Definition
	views      []dto.QuestionView
}

type sessionService struct {
	definitions  DefinitionService
	attempts     repository.AttemptRepository
	answers      repository.AnswerRepository
	feed         attempt.ChangeFeed
	presenter    *content.Presenter
	validator    *validator.Validate
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
	tickInterval time.Duration

	mu       sync.Mutex
	sessions map[sessionKey]*sessionEntry
}

// NewSessionService constructs the registry.
func NewSessionService(cfg SessionServiceConfig) SessionService {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	presenter := cfg.Presenter
	if presenter == nil {
		presenter = content.NewPresenter()
	}
	validate := cfg.Validator
	if validate == nil {
		validate = validator.New()
	}

	return &sessionService{
		definitions:  cfg.Definitions,
		attempts:     cfg.Attempts,
		answers:      cfg.Answers,
		feed:         cfg.Feed,
		presenter:    presenter,
		validator:    validate,
		logger:       cfg.Logger.With().Str("component", "session_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-assessment-api/internal/service/session"),
		now:          now,
		tickInterval: cfg.TickInterval,
		sessions:     make(map[sessionKey]*sessionEntry),
	}
}

func (s *sessionService) Open(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "session.open", userID, policyID)
	defer span.End()

	entry, err := s.entry(ctx, userID, policyID)
	if err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	snapshot, err := entry.session.Resolve(ctx)
	return s.respond(span, entry, snapshot, err)
}

func (s *sessionService) Start(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "session.start", userID, policyID)
	defer span.End()

	entry, err := s.resolvedEntry(ctx, userID, policyID)
	if err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	snapshot, err := entry.session.Start(ctx)
	return s.respond(span, entry, snapshot, err)
}

func (s *sessionService) SetAnswer(ctx context.Context, userID, policyID uint, index int, req dto.AnswerRequest) (dto.SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "session.answer", userID, policyID)
	defer span.End()
	span.SetAttributes(attribute.Int("question.index", index))

	if err := s.validator.Struct(req); err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	entry, err := s.resolvedEntry(ctx, userID, policyID)
	if err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	questions := entry.session.Questions()
	if index < 0 || index >= len(questions) {
		return dto.SessionResponse{}, s.fail(span, attempt.ErrQuestionOutOfRange)
	}

	value := req.ToAnswerValue()
	if !answerFits(questions[index], value) {
		return dto.SessionResponse{}, s.fail(span, ErrAnswerMismatch)
	}

	if err := entry.session.SetAnswer(index, value); err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	return s.respond(span, entry, entry.session.Snapshot(), nil)
}

func (s *sessionService) AttachFile(ctx context.Context, userID, policyID uint, index int, file models.FileReference) (dto.SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "session.attach_file", userID, policyID)
	defer span.End()

	entry, err := s.resolvedEntry(ctx, userID, policyID)
	if err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	questions := entry.session.Questions()
	if index < 0 || index >= len(questions) {
		return dto.SessionResponse{}, s.fail(span, attempt.ErrQuestionOutOfRange)
	}
	if !questions[index].IsFileSubmission() {
		return dto.SessionResponse{}, s.fail(span, ErrNotFileQuestion)
	}

	if err := entry.session.AppendFile(index, file); err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	return s.respond(span, entry, entry.session.Snapshot(), nil)
}

func (s *sessionService) Submit(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "session.submit", userID, policyID)
	defer span.End()

	entry, err := s.resolvedEntry(ctx, userID, policyID)
	if err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	snapshot, err := entry.session.Submit(ctx, false)
	return s.respond(span, entry, snapshot, err)
}

func (s *sessionService) ViewLast(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "session.view_last", userID, policyID)
	defer span.End()

	entry, err := s.resolvedEntry(ctx, userID, policyID)
	if err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	snapshot, err := entry.session.ViewLast(ctx)
	return s.respond(span, entry, snapshot, err)
}

func (s *sessionService) Reattempt(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error) {
	ctx, span := s.startSpan(ctx, "session.reattempt", userID, policyID)
	defer span.End()

	entry, err := s.resolvedEntry(ctx, userID, policyID)
	if err != nil {
		return dto.SessionResponse{}, s.fail(span, err)
	}

	snapshot, err := entry.session.Reattempt(ctx)
	return s.respond(span, entry, snapshot, err)
}

func (s *sessionService) Close(ctx context.Context, userID, policyID uint) error {
	_, span := s.startSpan(ctx, "session.close", userID, policyID)
	defer span.End()

	key := sessionKey{userID: userID, policyID: policyID}
	s.mu.Lock()
	entry, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
		observability.ActiveSessions().Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()

	if ok {
		entry.session.Close()
		s.logger.Info().Uint("user_id", userID).Uint("policy_id", policyID).Msg("session closed")
	}
	return nil
}

func (s *sessionService) Stream(ctx context.Context, userID, policyID uint) (<-chan dto.SessionEvent, func(), error) {
	entry, err := s.resolvedEntry(ctx, userID, policyID)
	if err != nil {
		return nil, nil, err
	}

	events, unsubscribe := entry.session.Subscribe()
	out := make(chan dto.SessionEvent, streamBuffer)
	initial := s.toResponse(entry, entry.session.Snapshot())
	out <- dto.SessionEvent{Type: string(attempt.EventState), RemainingSeconds: initial.RemainingSeconds, Session: &initial}

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			unsubscribe()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				converted := dto.SessionEvent{Type: string(event.Type), RemainingSeconds: event.RemainingSeconds}
				if event.Snapshot != nil {
					response := s.toResponse(entry, *event.Snapshot)
					converted.Session = &response
				}
				select {
				case out <- converted:
				default:
				}
			}
		}
	}()

	return out, cancel, nil
}

func (s *sessionService) Shutdown() {
	s.mu.Lock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for key, entry := range s.sessions {
		entries = append(entries, entry)
		delete(s.sessions, key)
	}
	observability.ActiveSessions().Set(0)
	s.mu.Unlock()

	for _, entry := range entries {
		entry.session.Close()
	}
}

// resolvedEntry returns the session of the learner, resolving it first when it was
// not opened yet.
func (s *sessionService) resolvedEntry(ctx context.Context, userID, policyID uint) (*sessionEntry, error) {
	key := sessionKey{userID: userID, policyID: policyID}
	s.mu.Lock()
	entry, ok := s.sessions[key]
	s.mu.Unlock()
	if ok && !entry.session.Closed() {
		return entry, nil
	}

	entry, err := s.entry(ctx, userID, policyID)
	if err != nil {
		return nil, err
	}
	if _, err := entry.session.Resolve(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *sessionService) entry(ctx context.Context, userID, policyID uint) (*sessionEntry, error) {
	key := sessionKey{userID: userID, policyID: policyID}

	s.mu.Lock()
	if existing, ok := s.sessions[key]; ok && !existing.session.Closed() {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	definition, err := s.definitions.Load(ctx, policyID)
	if err != nil {
		return nil, err
	}

	created := &sessionEntry{
		definition: definition,
		views:      s.presenter.Present(definition.Questions),
		session: attempt.NewSession(attempt.Config{
			UserID:       userID,
			Policy:       definition.Policy,
			Questions:    definition.Questions,
			Attempts:     s.attempts,
			Answers:      s.answers,
			Feed:         s.feed,
			Logger:       s.logger,
			Now:          s.now,
			TickInterval: s.tickInterval,
		}),
	}

	s.mu.Lock()
	if existing, ok := s.sessions[key]; ok && !existing.session.Closed() {
		s.mu.Unlock()
		created.session.Close()
		return existing, nil
	}
	s.sessions[key] = created
	observability.ActiveSessions().Set(float64(len(s.sessions)))
	s.mu.Unlock()

	return created, nil
}

func (s *sessionService) startSpan(ctx context.Context, name string, userID, policyID uint) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.Int("user.id", int(userID)),
		attribute.Int("policy.id", int(policyID)),
	)
	return ctx, span
}

func (s *sessionService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *sessionService) respond(span trace.Span, entry *sessionEntry, snapshot attempt.Snapshot, err error) (dto.SessionResponse, error) {
	response := s.toResponse(entry, snapshot)
	if err != nil {
		return response, s.fail(span, err)
	}
	span.SetAttributes(attribute.String("session.state", string(snapshot.State)))
	span.SetStatus(codes.Ok, "ok")
	return response, nil
}

func (s *sessionService) toResponse(entry *sessionEntry, snapshot attempt.Snapshot) dto.SessionResponse {
	definition := entry.definition
	response := dto.SessionResponse{
		PolicyID:           definition.Policy.ID,
		AssessmentID:       definition.AssessmentID,
		Title:              definition.Title,
		State:              string(snapshot.State),
		Timed:              snapshot.Timed,
		FileSubmissionOnly: snapshot.FileSubmissionOnly,
		AttemptCount:       snapshot.AttemptCount,
		AllowedAttempts:    snapshot.AllowedAttempts,
		CanViewLast:        snapshot.CanViewLast,
		CanReattempt:       snapshot.CanReattempt,
		Submitting:         snapshot.Submitting,
		AttemptID:          snapshot.ActiveAttemptID,
		StartedAt:          snapshot.StartedAt,
		ExpiresAt:          snapshot.ExpiresAt,
		RemainingSeconds:   snapshot.RemainingSeconds,
		Deadline:           definition.Policy.Deadline,
		Questions:          entry.views,
		Answers:            dto.NewAnswerViews(snapshot.Answers),
		Warnings:           definition.Warnings,
	}

	if snapshot.Review != nil {
		response.Result = newResultView(*snapshot.Review)
	}

	return response
}

func newResultView(review attempt.Review) *dto.ResultView {
	outcomes := make([]dto.OutcomeView, 0, len(review.Outcomes))
	for _, outcome := range review.Outcomes {
		outcomes = append(outcomes, dto.OutcomeView{
			Index:       outcome.Index,
			Answered:    outcome.Answered,
			Correct:     outcome.Correct,
			Points:      outcome.Points,
			MaxPoints:   outcome.MaxPoints,
			NeedsManual: outcome.NeedsManual,
		})
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Index < outcomes[j].Index })

	return &dto.ResultView{
		AttemptID:     review.Attempt.ID,
		Score:         review.Attempt.Score,
		MaxScore:      review.Attempt.MaxScore,
		Points:        review.Result.Points,
		TotalPossible: review.Result.TotalPossible,
		PendingManual: review.Attempt.Score == nil && review.Result.ManualPending > 0,
		SubmittedAt:   review.Attempt.CreatedAt,
		Answers:       dto.NewAnswerViews(review.Answers),
		Outcomes:      outcomes,
	}
}

// answerFits rejects answers shaped for a different question kind. Empty values always
// fit because they clear the answer.
func answerFits(question models.Question, value models.AnswerValue) bool {
	if value.IsEmpty() {
		return true
	}

	switch question.Kind {
	case models.QuestionMatching:
		return value.Text == nil && len(value.Files) == 0
	case models.QuestionFileSubmission:
		return value.Text == nil && len(value.Matches) == 0
	default:
		return len(value.Matches) == 0 && len(value.Files) == 0
	}
}
