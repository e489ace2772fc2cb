package domain

import "time"

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// FailureStage tells which step of the pipeline failed. Both stages count
// as a failure for reconciliation; the stage only serves diagnostics.
type FailureStage string

const (
	StageNone     FailureStage = ""
	StageArtifact FailureStage = "artifact"
	StageSend     FailureStage = "send"
)

// LedgerEntry is one appended delivery outcome. Entries are never rewritten.
type LedgerEntry struct {
	Recipient   string
	DisplayName string
	ItemKey     string
	Outcome     Outcome
	Stage       FailureStage
	Reason      string
	RunID       string
	Timestamp   time.Time
}

// Identity returns the reconciliation key of the entry.
func (e LedgerEntry) Identity() Identity {
	return Identity{Recipient: e.Recipient, Item: e.ItemKey}
}

// ReconciliationState is derived from a full ledger scan at the start of a
// run and is read-only afterwards. Confirmed and Failed are disjoint.
type ReconciliationState struct {
	Confirmed  map[Identity]struct{}
	Failed     map[Identity]struct{}
	IsFirstRun bool
}

// NewReconciliationState returns an empty state.
func NewReconciliationState(firstRun bool) ReconciliationState {
	return ReconciliationState{
		Confirmed:  make(map[Identity]struct{}),
		Failed:     make(map[Identity]struct{}),
		IsFirstRun: firstRun,
	}
}

// Apply folds one entry into the state. The most recent outcome for an
// identity wins.
func (s *ReconciliationState) Apply(e LedgerEntry) {
	id := e.Identity()
	switch e.Outcome {
	case OutcomeSuccess:
		delete(s.Failed, id)
		s.Confirmed[id] = struct{}{}
	case OutcomeFailure:
		delete(s.Confirmed, id)
		s.Failed[id] = struct{}{}
	}
}

// IsConfirmed reports whether id has a successful delivery on record.
func (s ReconciliationState) IsConfirmed(id Identity) bool {
	_, ok := s.Confirmed[id]
	return ok
}

// IsFailed reports whether the latest recorded attempt for id failed.
func (s ReconciliationState) IsFailed(id Identity) bool {
	_, ok := s.Failed[id]
	return ok
}
