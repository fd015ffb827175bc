package ports

import "time"

// Decision and registration outcomes as reported to a DecisionRecorder.
const (
	OutcomePromoted = "promoted"
	OutcomeHeld     = "held"
	OutcomeFailed   = "failed"

	RegistrationRegistered = "registered"
	RegistrationSkipped    = "skipped"
	RegistrationFailed     = "failed"
)

// DecisionRecorder receives the outcome of every retrain decision and
// registration attempt.
type DecisionRecorder interface {
	ObserveDecision(outcome string, incumbentF1, challengerF1 float64, elapsed time.Duration)
	ObserveRegistration(result string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(string, float64, float64, time.Duration) {}
func (nopRecorder) ObserveRegistration(string)                              {}

// NopRecorder discards everything.
func NopRecorder() DecisionRecorder {
	return nopRecorder{}
}
