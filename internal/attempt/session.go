package attempt

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-assessment-api/internal/countdown"
	"github.com/noah-isme/gema-assessment-api/internal/grading"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/realtime"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
)

const (
	forcedSubmitTimeout = 30 * time.Second
	listenerBuffer      = 16
)

// ChangeFeed publishes and observes record changes.
type ChangeFeed interface {
	Subscribe(collection realtime.Collection, filter realtime.Filter, onChange func(realtime.Change)) func()
	Publish(ctx context.Context, change realtime.Change) error
}

// EventType tags session events.
type EventType string

const (
	EventTick  EventType = "tick"
	EventState EventType = "state"
)

// Event is pushed to session listeners.
type Event struct {
	Type             EventType
	RemainingSeconds int64
	Snapshot         *Snapshot
}

// Review is a completed attempt prepared for display.
type Review struct {
	Attempt  models.Attempt
	Answers  map[int]models.AnswerValue
	Outcomes []grading.Outcome
	Result   grading.Result
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	State              State
	Timed              bool
	FileSubmissionOnly bool
	AttemptCount       int
	AllowedAttempts    int
	CanViewLast        bool
	CanReattempt       bool
	Submitting         bool
	ActiveAttemptID    *uint
	StartedAt          *time.Time
	ExpiresAt          *time.Time
	RemainingSeconds   int64
	Answers            map[int]models.AnswerValue
	Review             *Review
}

// Config wires a session to its collaborators.
type Config struct {
	UserID       uint
	Policy       models.AssignmentPolicy
	Questions    []models.Question
	Attempts     repository.AttemptRepository
	Answers      repository.AnswerRepository
	Feed         ChangeFeed
	Logger       zerolog.Logger
	Now          func() time.Time
	TickInterval time.Duration
}

// checkpoint remembers the writes of a failed submission so a retry does not repeat them.
type checkpoint struct {
	attempt models.Attempt
	saved   map[int]models.AnswerValue
}

// Session mediates every transition of one learner on one assigned assessment.
type Session struct {
	userID     uint
	policy     models.AssignmentPolicy
	questions  []models.Question
	fileOnly   bool
	attempts   repository.AttemptRepository
	answerRepo repository.AnswerRepository
	feed       ChangeFeed
	logger     zerolog.Logger
	now        func() time.Time
	interval   time.Duration

	mu          sync.Mutex
	resolution  Resolution
	resolved    bool
	known       []models.Attempt
	draft       map[int]models.AnswerValue
	active      *models.Attempt
	resumed     bool
	checkpoint  *checkpoint
	timer       *countdown.Timer
	review      *Review
	submitting  bool
	starting    bool
	refreshing  bool
	closed      bool
	unsubscribe func()

	listenersMu     sync.Mutex
	listeners       map[uint64]chan Event
	nextListener    uint64
	listenersClosed bool
}

// NewSession builds a session and subscribes it to attempt changes of its learner.
// Call Resolve before presenting it.
func NewSession(cfg Config) *Session {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Session{
		userID:     cfg.UserID,
		policy:     cfg.Policy,
		questions:  cfg.Questions,
		fileOnly:   models.FileSubmissionOnly(cfg.Questions),
		attempts:   cfg.Attempts,
		answerRepo: cfg.Answers,
		feed:       cfg.Feed,
		logger: cfg.Logger.With().
			Str("component", "attempt_session").
			Uint("user_id", cfg.UserID).
			Uint("policy_id", cfg.Policy.ID).
			Logger(),
		now:       now,
		interval:  cfg.TickInterval,
		draft:     map[int]models.AnswerValue{},
		listeners: make(map[uint64]chan Event),
	}

	if s.feed != nil {
		s.unsubscribe = s.feed.Subscribe(realtime.CollectionAttempts, realtime.Filter(s.changeKeys()), s.handleChange)
	}

	return s
}

// Policy returns the assignment policy of the session.
func (s *Session) Policy() models.AssignmentPolicy {
	return s.policy
}

// Questions returns the question set of the session.
func (s *Session) Questions() []models.Question {
	return s.questions
}

// Resolve reads the attempts afresh and derives the state to present. On a failed
// read the previous state is kept and a FetchError is returned.
func (s *Session) Resolve(ctx context.Context) (Snapshot, error) {
	if err := s.ensureOpen(); err != nil {
		return Snapshot{}, err
	}

	attempts, err := s.fetchAttempts(ctx)
	if err != nil {
		return s.Snapshot(), err
	}
	resolution := s.resolveFrom(attempts)

	var review *Review
	if resolution.State == StateViewingResults && resolution.Latest != nil {
		review, err = s.loadReview(ctx, *resolution.Latest)
		if err != nil {
			return s.Snapshot(), err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	if s.submitting || s.starting {
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		return snapshot, nil
	}
	s.known = attempts
	s.applyLocked(resolution, review)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("state", string(snapshot.State)).Int("attempt_count", snapshot.AttemptCount).Msg("session resolved")
	s.emitState(snapshot)
	return snapshot, nil
}

// Start begins a new attempt. Timed attempts are persisted immediately with their
// start instant and a countdown; untimed attempts are only recorded on submission.
// A second Start while the first is still recording returns ErrStartInFlight.
func (s *Session) Start(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	case s.submitting:
		s.mu.Unlock()
		return Snapshot{}, ErrSubmissionInFlight
	case s.starting:
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		return snapshot, ErrStartInFlight
	}
	s.starting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	attempts, err := s.fetchAttempts(ctx)
	if err != nil {
		return s.Snapshot(), err
	}
	resolution := s.resolveFrom(attempts)

	if resolution.Active != nil {
		return s.commit(attempts, resolution, nil)
	}
	if err := s.admit(resolution); err != nil {
		return s.Snapshot(), err
	}

	if !resolution.Timed {
		resolution.State = StateInProgress
		resolution.CanViewLast = false
		snapshot, err := s.commit(attempts, resolution, nil)
		if err == nil {
			observability.AttemptsStarted().WithLabelValues("false").Inc()
			s.logger.Info().Msg("untimed attempt started")
		}
		return snapshot, err
	}

	startedAt := s.now()
	created := models.Attempt{
		UserID:    s.userID,
		PolicyID:  s.policy.ID,
		StartedAt: &startedAt,
	}
	if err := s.attempts.Create(ctx, &created); err != nil {
		return s.Snapshot(), &PersistenceError{Op: "create attempt", Err: err}
	}

	attempts = append(attempts, created)
	resolution = s.resolveFrom(attempts)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	s.known = attempts
	s.applyLocked(resolution, nil)
	s.resumed = false
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	observability.AttemptsStarted().WithLabelValues("true").Inc()
	s.logger.Info().Uint("attempt_id", created.ID).Time("started_at", startedAt).Msg("timed attempt started")
	s.publish(ctx, realtime.OperationInsert, created.ID)
	s.emitState(snapshot)
	return snapshot, nil
}

// SetAnswer records an in-memory answer. An empty value clears the question.
func (s *Session) SetAnswer(index int, value models.AnswerValue) error {
	if index < 0 || index >= len(s.questions) {
		return ErrQuestionOutOfRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrSessionClosed
	case s.submitting:
		return ErrSubmissionInFlight
	case s.resolution.State != StateInProgress:
		return ErrInvalidTransition
	}

	if value.IsEmpty() {
		delete(s.draft, index)
		return nil
	}
	s.draft[index] = value
	return nil
}

// AppendFile adds an uploaded file to the answer of a question while InProgress.
func (s *Session) AppendFile(index int, file models.FileReference) error {
	if index < 0 || index >= len(s.questions) {
		return ErrQuestionOutOfRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrSessionClosed
	case s.submitting:
		return ErrSubmissionInFlight
	case s.resolution.State != StateInProgress:
		return ErrInvalidTransition
	}

	current := s.draft[index]
	files := make([]models.FileReference, 0, len(current.Files)+1)
	files = append(files, current.Files...)
	current.Files = append(files, file)
	s.draft[index] = current
	return nil
}

// Submit persists the current answers, grades them and moves to the results. Only one
// submission runs at a time; a concurrent call returns ErrSubmissionInFlight. Forced
// submissions come from countdown expiry and bypass the deadline check.
func (s *Session) Submit(ctx context.Context, auto bool) (Snapshot, error) {
	mode := submissionMode(auto)

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	case s.submitting:
		s.mu.Unlock()
		return Snapshot{}, ErrSubmissionInFlight
	case s.resolution.State != StateInProgress:
		s.mu.Unlock()
		return Snapshot{}, ErrInvalidTransition
	}
	if !auto && s.policy.IsPastDeadline(s.now()) {
		err := violation(ErrDeadlinePassed, s.resolution)
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		observability.Submissions().WithLabelValues(mode, "rejected").Inc()
		return snapshot, err
	}

	s.submitting = true
	s.stopTimerLocked()
	draft := copyAnswers(s.draft)
	var active *models.Attempt
	if s.active != nil {
		current := *s.active
		active = &current
	}
	resumed := s.resumed
	saved := s.checkpoint
	s.mu.Unlock()

	progress := saved
	if progress != nil && active != nil && progress.attempt.ID != active.ID {
		progress = nil
	}

	if progress == nil {
		if active != nil {
			progress = &checkpoint{attempt: *active}
		} else {
			attempts, err := s.fetchAttempts(ctx)
			if err != nil {
				return s.abortSubmission(mode, active, nil, err)
			}
			if resolution := s.resolveFrom(attempts); resolution.AttemptCount >= resolution.AllowedAttempts {
				return s.abortSubmission(mode, active, nil, violation(ErrAttemptLimitReached, resolution))
			}

			created := models.Attempt{UserID: s.userID, PolicyID: s.policy.ID}
			if err := s.attempts.Create(ctx, &created); err != nil {
				return s.abortSubmission(mode, active, nil, &PersistenceError{Op: "create attempt", Err: err})
			}
			s.publish(ctx, realtime.OperationInsert, created.ID)
			progress = &checkpoint{attempt: created}
		}
	}

	if progress.saved == nil && active != nil {
		current, err := s.attempts.GetByID(ctx, progress.attempt.ID)
		if err != nil {
			return s.abortSubmission(mode, active, progress, &FetchError{Op: "attempt", Err: err})
		}
		if current.IsScored() {
			return s.settleConflict(ctx, mode, current)
		}
	}

	if progress.saved == nil {
		records := buildAnswerRecords(progress.attempt.ID, draft)
		if err := s.answerRepo.CreateBatch(ctx, records); err != nil {
			return s.abortSubmission(mode, active, progress, &PersistenceError{Op: "answers", Err: err})
		}
		progress.saved = draft
		if len(records) > 0 {
			s.publishAnswers(ctx, progress.attempt.ID)
		}
	}

	outcomes := grading.Evaluate(s.questions, progress.saved)
	result := grading.Summarize(outcomes, s.fileOnly)

	patch := repository.AttemptResult{
		Score:    result.ScoreValue(),
		MaxScore: result.MaxScoreValue(),
	}
	if !resumed {
		submittedAt := s.now()
		patch.SubmittedAt = &submittedAt
	}

	updated, err := s.attempts.ApplyResult(ctx, progress.attempt.ID, patch)
	if errors.Is(err, repository.ErrAttemptAlreadyScored) {
		return s.settleConflict(ctx, mode, updated)
	}
	if err != nil {
		return s.abortSubmission(mode, active, progress, &PersistenceError{Op: "score", Err: err})
	}
	s.publish(ctx, realtime.OperationUpdate, updated.ID)

	attempts, resolution := s.resultsAfter(ctx, updated)

	review := &Review{
		Attempt:  updated,
		Answers:  progress.saved,
		Outcomes: outcomes,
		Result:   result,
	}

	snapshot := s.settle(attempts, resolution, review)

	outcome := "graded"
	if !result.Applicable {
		outcome = "pending_manual"
	} else if result.TotalPossible > 0 {
		observability.ScoreRatio().Observe(result.Points / result.TotalPossible)
	}
	observability.Submissions().WithLabelValues(mode, outcome).Inc()
	if auto {
		observability.ForcedSubmissions().Inc()
	}

	s.logger.Info().
		Uint("attempt_id", updated.ID).
		Str("mode", mode).
		Float64("points", result.Points).
		Float64("total_possible", result.TotalPossible).
		Int("attempt_count", resolution.AttemptCount).
		Msg("attempt submitted")

	s.emitState(snapshot)
	return snapshot, nil
}

// settleConflict gives up a submission whose attempt another submission already scored
// and shows the stored result.
func (s *Session) settleConflict(ctx context.Context, mode string, scored models.Attempt) (Snapshot, error) {
	review, err := s.loadReview(ctx, scored)
	if err != nil {
		s.logger.Warn().Err(err).Uint("attempt_id", scored.ID).Msg("failed to load stored result")
		review = nil
	}
	attempts, resolution := s.resultsAfter(ctx, scored)
	snapshot := s.settle(attempts, resolution, review)

	observability.Submissions().WithLabelValues(mode, "conflict").Inc()
	s.logger.Warn().Uint("attempt_id", scored.ID).Str("mode", mode).Msg("attempt already submitted elsewhere")

	s.emitState(snapshot)
	return snapshot, ErrAlreadySubmitted
}

// resultsAfter reads the attempts once a submission finished, falling back to the known
// ones merged with the submitted attempt.
func (s *Session) resultsAfter(ctx context.Context, submitted models.Attempt) ([]models.Attempt, Resolution) {
	attempts, err := s.fetchAttempts(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("refresh after submission failed, using known attempts")
		s.mu.Lock()
		attempts = mergeAttempt(s.known, submitted)
		s.mu.Unlock()
	}
	resolution := s.resolveFrom(attempts)
	resolution.State = StateViewingResults
	resolution.Active = nil
	resolution.CanViewLast = false
	return attempts, resolution
}

// settle releases the submission latch and installs the results.
func (s *Session) settle(attempts []models.Attempt, resolution Resolution, review *Review) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	s.known = attempts
	s.checkpoint = nil
	s.active = nil
	s.resumed = false
	s.draft = map[int]models.AnswerValue{}
	s.resolution = resolution
	s.resolved = true
	s.review = review
	return s.snapshotLocked()
}

// ViewLast shows the latest completed attempt while a new attempt is still allowed.
func (s *Session) ViewLast(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	if s.resolution.State != StateAwaitingChoice || !s.resolution.CanViewLast || s.resolution.Latest == nil {
		s.mu.Unlock()
		return Snapshot{}, ErrInvalidTransition
	}
	latest := *s.resolution.Latest
	s.mu.Unlock()

	review, err := s.loadReview(ctx, latest)
	if err != nil {
		return s.Snapshot(), err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	s.resolution.State = StateViewingResults
	s.resolution.CanViewLast = false
	s.review = review
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.emitState(snapshot)
	return snapshot, nil
}

// Reattempt discards the previous answers and resets to the entry state of a new
// attempt. The attempt count is recomputed from a fresh read.
func (s *Session) Reattempt(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	if s.submitting {
		s.mu.Unlock()
		return Snapshot{}, ErrSubmissionInFlight
	}
	s.mu.Unlock()

	attempts, err := s.fetchAttempts(ctx)
	if err != nil {
		return s.Snapshot(), err
	}
	resolution := s.resolveFrom(attempts)

	if resolution.Active != nil {
		return s.commit(attempts, resolution, nil)
	}
	if resolution.AttemptCount == 0 {
		return Snapshot{}, ErrInvalidTransition
	}
	if err := s.admit(resolution); err != nil {
		return s.Snapshot(), err
	}

	resolution.CanViewLast = false
	if resolution.Timed {
		resolution.State = StateNotStarted
	} else {
		resolution.State = StateInProgress
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	s.stopTimerLocked()
	s.known = attempts
	s.resolution = resolution
	s.resolved = true
	s.active = nil
	s.resumed = false
	s.checkpoint = nil
	s.review = nil
	s.draft = map[int]models.AnswerValue{}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info().Int("attempt_count", resolution.AttemptCount).Msg("reattempt requested")
	s.emitState(snapshot)
	return snapshot, nil
}

// Close stops the countdown and the change subscription and releases listeners. An
// unsubmitted timed attempt stays resumable until it expires.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	s.listenersMu.Lock()
	s.listenersClosed = true
	for id, ch := range s.listeners {
		close(ch)
		delete(s.listeners, id)
	}
	s.listenersMu.Unlock()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscribe registers a listener for tick and state events. Slow listeners miss events
// rather than block the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, listenerBuffer)

	s.listenersMu.Lock()
	if s.listenersClosed {
		s.listenersMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = ch
	s.listenersMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			if existing, ok := s.listeners[id]; ok {
				close(existing)
				delete(s.listeners, id)
			}
		})
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) fetchAttempts(ctx context.Context) ([]models.Attempt, error) {
	attempts, err := s.attempts.ListByUserAndPolicy(ctx, s.userID, s.policy.ID)
	if err != nil {
		return nil, &FetchError{Op: "attempts", Err: err}
	}
	return attempts, nil
}

func (s *Session) resolveFrom(attempts []models.Attempt) Resolution {
	return Resolve(ResolveInput{
		Policy:    s.policy,
		Questions: s.questions,
		Attempts:  attempts,
		Now:       s.now(),
	})
}

func (s *Session) admit(resolution Resolution) error {
	switch {
	case resolution.AttemptCount >= resolution.AllowedAttempts:
		return violation(ErrAttemptLimitReached, resolution)
	case resolution.FileSubmissionOnly && resolution.Latest != nil && resolution.Latest.IsScored():
		return violation(ErrManuallyGraded, resolution)
	case s.policy.IsPastDeadline(s.now()):
		return violation(ErrDeadlinePassed, resolution)
	}
	return nil
}

func (s *Session) loadReview(ctx context.Context, attempt models.Attempt) (*Review, error) {
	records, err := s.answerRepo.ListByAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, &FetchError{Op: "answers", Err: err}
	}

	answers := make(map[int]models.AnswerValue, len(records))
	for _, record := range records {
		answers[record.QuestionIndex] = record.Value.Data()
	}

	outcomes := grading.Evaluate(s.questions, answers)
	return &Review{
		Attempt:  attempt,
		Answers:  answers,
		Outcomes: outcomes,
		Result:   grading.Summarize(outcomes, s.fileOnly),
	}, nil
}

func (s *Session) commit(attempts []models.Attempt, resolution Resolution, review *Review) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	s.known = attempts
	s.applyLocked(resolution, review)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.emitState(snapshot)
	return snapshot, nil
}

// applyLocked installs a resolution, resuming the countdown of an active attempt and
// keeping draft answers only while the same attempt stays in progress.
func (s *Session) applyLocked(resolution Resolution, review *Review) {
	previous := s.resolution
	wasResolved := s.resolved

	s.resolution = resolution
	s.resolved = true
	s.review = review

	switch {
	case resolution.Active != nil:
		if s.active == nil || s.active.ID != resolution.Active.ID {
			s.stopTimerLocked()
			active := *resolution.Active
			s.active = &active
			s.resumed = true
			s.checkpoint = nil
			s.draft = map[int]models.AnswerValue{}
		}
		if s.timer == nil {
			s.armLocked(*s.active)
		}
	case resolution.State == StateInProgress:
		s.stopTimerLocked()
		s.active = nil
		if !wasResolved || previous.State != StateInProgress || previous.Active != nil {
			s.draft = map[int]models.AnswerValue{}
			s.checkpoint = nil
		}
	default:
		s.stopTimerLocked()
		s.active = nil
		s.resumed = false
		s.checkpoint = nil
		s.draft = map[int]models.AnswerValue{}
	}
}

func (s *Session) armLocked(active models.Attempt) {
	if active.StartedAt == nil {
		return
	}
	timer := countdown.New(countdown.Config{
		StartedAt: *active.StartedAt,
		Duration:  s.policy.TimeLimit(),
		Interval:  s.interval,
		Now:       s.now,
		OnTick:    s.handleTick,
		OnExpire:  s.handleExpiry,
	})
	s.timer = timer
	timer.Start()
}

func (s *Session) stopTimerLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
}

func (s *Session) abortSubmission(mode string, active *models.Attempt, progress *checkpoint, cause error) (Snapshot, error) {
	s.mu.Lock()
	s.submitting = false
	if progress != nil {
		s.checkpoint = progress
	}
	if active != nil && !s.closed && s.timer == nil {
		if expiresAt, ok := active.ExpiresAt(s.policy.TimeLimit()); ok && s.now().Before(expiresAt) {
			s.armLocked(*active)
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	outcome := "failed"
	var policyErr *PolicyViolation
	if errors.As(cause, &policyErr) {
		outcome = "rejected"
	}
	observability.Submissions().WithLabelValues(mode, outcome).Inc()
	s.logger.Warn().Err(cause).Str("mode", mode).Msg("submission aborted, answers kept")

	s.emitState(snapshot)
	return snapshot, cause
}

func (s *Session) handleTick(remaining time.Duration) {
	s.emit(Event{Type: EventTick, RemainingSeconds: countdown.RemainingSeconds(remaining)})
}

func (s *Session) handleExpiry() {
	s.logger.Info().Msg("countdown expired, forcing submission")

	ctx, cancel := context.WithTimeout(context.Background(), forcedSubmitTimeout)
	defer cancel()

	if _, err := s.Submit(ctx, true); err != nil {
		s.logger.Warn().Err(err).Msg("forced submission did not complete")
	}
}

// handleChange refetches in the background when another device changed an attempt,
// unless the learner is mid-attempt, reviewing a previous attempt they chose to view, or
// a submission or start is being persisted.
func (s *Session) handleChange(change realtime.Change) {
	s.mu.Lock()
	if s.closed || s.submitting || s.starting || s.refreshing ||
		s.resolution.State == StateInProgress || s.reviewingLocked() {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.refreshing = false
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), forcedSubmitTimeout)
		defer cancel()
		if _, err := s.Resolve(ctx); err != nil {
			s.logger.Warn().Err(err).Uint("record_id", change.RecordID).Msg("background refresh failed")
		}
	}()
}

// reviewingLocked reports whether the learner opened the last attempt while a new one is
// still allowed.
func (s *Session) reviewingLocked() bool {
	return s.resolution.State == StateViewingResults && s.resolution.CanReattempt && s.review != nil
}

func (s *Session) changeKeys() map[string]string {
	return map[string]string{
		"user_id":   strconv.FormatUint(uint64(s.userID), 10),
		"policy_id": strconv.FormatUint(uint64(s.policy.ID), 10),
	}
}

func (s *Session) publish(ctx context.Context, operation realtime.Operation, attemptID uint) {
	s.publishChange(ctx, realtime.Change{
		Collection: realtime.CollectionAttempts,
		Operation:  operation,
		RecordID:   attemptID,
		Keys:       s.changeKeys(),
		OccurredAt: s.now(),
	})
}

func (s *Session) publishAnswers(ctx context.Context, attemptID uint) {
	keys := s.changeKeys()
	keys["attempt_id"] = strconv.FormatUint(uint64(attemptID), 10)
	s.publishChange(ctx, realtime.Change{
		Collection: realtime.CollectionAnswers,
		Operation:  realtime.OperationInsert,
		RecordID:   attemptID,
		Keys:       keys,
		OccurredAt: s.now(),
	})
}

func (s *Session) publishChange(ctx context.Context, change realtime.Change) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, change); err != nil {
		s.logger.Warn().Err(err).Str("collection", string(change.Collection)).Msg("failed to publish change")
	}
}

func (s *Session) emitState(snapshot Snapshot) {
	s.emit(Event{Type: EventState, RemainingSeconds: snapshot.RemainingSeconds, Snapshot: &snapshot})
}

func (s *Session) emit(event Event) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		State:              s.resolution.State,
		Timed:              s.resolution.Timed,
		FileSubmissionOnly: s.resolution.FileSubmissionOnly,
		AttemptCount:       s.resolution.AttemptCount,
		AllowedAttempts:    s.resolution.AllowedAttempts,
		CanViewLast:        s.resolution.CanViewLast,
		CanReattempt:       s.resolution.CanReattempt,
		Submitting:         s.submitting,
		Answers:            copyAnswers(s.draft),
		Review:             s.review,
	}
	if !s.resolved {
		snapshot.AllowedAttempts = s.policy.MaxAttempts()
	}

	if s.active != nil {
		id := s.active.ID
		snapshot.ActiveAttemptID = &id
		snapshot.StartedAt = s.active.StartedAt
		if expiresAt, ok := s.active.ExpiresAt(s.policy.TimeLimit()); ok {
			snapshot.ExpiresAt = &expiresAt
			if remaining := expiresAt.Sub(s.now()); remaining > 0 {
				snapshot.RemainingSeconds = countdown.RemainingSeconds(remaining)
			}
		}
	}

	return snapshot
}

func submissionMode(auto bool) string {
	if auto {
		return "auto"
	}
	return "manual"
}

func copyAnswers(source map[int]models.AnswerValue) map[int]models.AnswerValue {
	copied := make(map[int]models.AnswerValue, len(source))
	for index, value := range source {
		copied[index] = value
	}
	return copied
}

func buildAnswerRecords(attemptID uint, answers map[int]models.AnswerValue) []models.AnswerRecord {
	indexes := make([]int, 0, len(answers))
	for index := range answers {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	records := make([]models.AnswerRecord, 0, len(indexes))
	for _, index := range indexes {
		records = append(records, models.AnswerRecord{
			AttemptID:     attemptID,
			QuestionIndex: index,
			Value:         datatypes.NewJSONType(answers[index]),
		})
	}
	return records
}

func mergeAttempt(known []models.Attempt, updated models.Attempt) []models.Attempt {
	merged := make([]models.Attempt, 0, len(known)+1)
	replaced := false
	for _, attempt := range known {
		if attempt.ID == updated.ID {
			merged = append(merged, updated)
			replaced = true
			continue
		}
		merged = append(merged, attempt)
	}
	if !replaced {
		merged = append(merged, updated)
	}
	return merged
}
