package app

import "github.com/frlp-jornadas/certship/internal/domain"

// ShouldSend decides whether id needs a delivery attempt this run.
//
// It is true when the resend override is set, on a first run, when the
// latest recorded attempt failed, or when the identity was never seen.
// It is false only for confirmed identities. ShouldSend has no side effects.
func ShouldSend(id domain.Identity, state domain.ReconciliationState, overrideResendAll bool) bool {
	if overrideResendAll || state.IsFirstRun {
		return true
	}
	if state.IsFailed(id) {
		return true
	}
	return !state.IsConfirmed(id)
}
