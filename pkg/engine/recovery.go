package engine

import (
	"github.com/rs/zerolog/log"
)

// RecoveryController tracks consecutive failed turns and decides when
// the loop should swap in the job's recovery prompt. A turn counts as
// failed when every tool call in it errored or when a retryable
// provider call ultimately went through after the model produced no
// usable progress. Any fully successful turn resets the streak.
type RecoveryController struct {
	threshold   int
	maxAttempts int

	streak   int
	attempts int
}

// NewRecoveryController creates a controller that engages after
// threshold consecutive failed turns and gives up after maxAttempts
// recovery turns.
func NewRecoveryController(threshold, maxAttempts int) *RecoveryController {
	if threshold <= 0 {
		threshold = 3
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RecoveryController{threshold: threshold, maxAttempts: maxAttempts}
}

// ObserveTurn feeds the outcome of one tool-execution turn. failed is
// true when every tool result in the turn carried an error.
func (rc *RecoveryController) ObserveTurn(failed bool) {
	if failed {
		rc.streak++
		log.Debug().Int("streak", rc.streak).Msg("Failed turn observed")
		return
	}
	if rc.streak > 0 {
		log.Debug().Int("streak", rc.streak).Msg("Failure streak reset")
	}
	rc.streak = 0
}

// ShouldRecover reports whether the next turn should be driven by the
// recovery prompt.
func (rc *RecoveryController) ShouldRecover() bool {
	return rc.streak >= rc.threshold
}

// BeginRecovery consumes one recovery attempt and resets the streak so
// the recovered turn is judged fresh. It returns the attempt count
// after the increment.
func (rc *RecoveryController) BeginRecovery() int {
	rc.attempts++
	rc.streak = 0
	log.Info().Int("attempt", rc.attempts).Int("max", rc.maxAttempts).Msg("Recovery engaged")
	return rc.attempts
}

// Exhausted reports whether recovery attempts have hit the cap.
func (rc *RecoveryController) Exhausted() bool {
	return rc.attempts >= rc.maxAttempts
}

// Attempts returns the recovery attempts consumed so far. Attempts are
// monotonically non-decreasing within a run.
func (rc *RecoveryController) Attempts() int {
	return rc.attempts
}

// Restore seeds the attempt counter when a run resumes a job that
// already consumed recovery attempts.
func (rc *RecoveryController) Restore(attempts int) {
	if attempts > rc.attempts {
		rc.attempts = attempts
	}
}
