// Package domain contains the core entities and value objects for certship.
//
// This package has no dependencies on infrastructure concerns (SMTP, file
// system, logging) and contains only the reconciliation model.
//
// # Entities
//
//   - [Record]: A validated registration row (recipient, item, auxiliary fields)
//   - [Identity]: The (recipient, item) pair used as the reconciliation key
//   - [LedgerEntry]: One appended delivery outcome
//   - [ReconciliationState]: Confirmed and failed identities derived from the ledger
//   - [Summary]: Per-run counters reported at the end of a dispatch
//
// # Design Principles
//
// Domain entities are:
//   - Immutable after construction (where practical)
//   - Free of infrastructure dependencies
//   - Testable without mocks or external systems
package domain
