// Package attempt mediates the lifecycle of a learner's attempts at an assigned
// assessment: which screen to present, starting, answering, submitting and retrying.
package attempt

import (
	"time"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// State is the single source of truth for what a session presents.
type State string

const (
	StateNotStarted     State = "not_started"
	StateAwaitingChoice State = "awaiting_choice"
	StateInProgress     State = "in_progress"
	StateViewingResults State = "viewing_results"
)

// ResolveInput is the persisted data a state is derived from.
type ResolveInput struct {
	Policy    models.AssignmentPolicy
	Questions []models.Question
	// Attempts must be ordered by creation time.
	Attempts []models.Attempt
	Now      time.Time
}

// Resolution is the derived session state together with the facts it was derived from.
type Resolution struct {
	State              State
	Timed              bool
	FileSubmissionOnly bool
	AttemptCount       int
	AllowedAttempts    int
	// Active is the timed attempt still running, if any.
	Active *models.Attempt
	// Latest is the most recent completed attempt, if any.
	Latest       *models.Attempt
	CanViewLast  bool
	CanReattempt bool
}

// Resolve derives the session state from the persisted attempts and the policy.
func Resolve(in ResolveInput) Resolution {
	fileOnly := models.FileSubmissionOnly(in.Questions)
	limit := in.Policy.TimeLimit()
	timed := limit > 0 && !fileOnly

	resolution := Resolution{
		Timed:              timed,
		FileSubmissionOnly: fileOnly,
		AllowedAttempts:    in.Policy.MaxAttempts(),
	}

	completed := make([]models.Attempt, 0, len(in.Attempts))
	for _, attempt := range in.Attempts {
		if timed && resolution.Active == nil && attempt.IsActive(limit, in.Now) {
			active := attempt
			resolution.Active = &active
			continue
		}
		if isCompleted(attempt, timed, fileOnly, limit, in.Now) {
			completed = append(completed, attempt)
		}
	}

	resolution.AttemptCount = len(completed)
	if len(completed) > 0 {
		latest := completed[len(completed)-1]
		resolution.Latest = &latest
		resolution.CanReattempt = resolution.AttemptCount < resolution.AllowedAttempts &&
			!(fileOnly && latest.IsScored())
	}

	if resolution.Active != nil {
		resolution.State = StateInProgress
		return resolution
	}

	switch {
	case resolution.AttemptCount == 0 && timed:
		resolution.State = StateNotStarted
	case resolution.AttemptCount == 0:
		resolution.State = StateInProgress
	case resolution.AttemptCount < resolution.AllowedAttempts:
		resolution.State = StateAwaitingChoice
		resolution.CanViewLast = !fileOnly
		if !resolution.CanViewLast && !resolution.CanReattempt {
			resolution.State = StateViewingResults
		}
	default:
		resolution.State = StateViewingResults
	}

	return resolution
}

func isCompleted(attempt models.Attempt, timed, fileOnly bool, limit time.Duration, now time.Time) bool {
	switch {
	case attempt.IsScored():
		return true
	case fileOnly:
		return true
	case timed:
		return attempt.IsExpired(limit, now)
	default:
		return false
	}
}
