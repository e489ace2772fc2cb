package domain

import "strings"

// Record is a validated recipient row handed to the dispatch loop.
// Sources normalise their input schema into this shape; the core never
// branches on source schema variants.
type Record struct {
	// Recipient is the destination email address
	Recipient string

	// DisplayName is the human name used in the message and the ledger
	DisplayName string

	// ItemKey identifies what is delivered (talk code, day folder)
	ItemKey string

	// DocumentID is the national document number (DNI)
	DocumentID string

	// FileNumber is the student file number (legajo)
	FileNumber string

	// Group is the department or day the record was listed under
	Group string

	// ArtifactPath points to a pre-generated artifact, relative to the
	// artifacts directory. Empty when the artifact is generated on demand.
	ArtifactPath string
}

// Identity returns the reconciliation key of the record.
func (r Record) Identity() Identity {
	return Identity{Recipient: r.Recipient, Item: r.ItemKey}
}

// HasRecipient reports whether the record carries a usable address.
func (r Record) HasRecipient() bool {
	return strings.TrimSpace(r.Recipient) != ""
}

// Identity is the (recipient, item) pair used to decide whether a delivery
// is still required.
type Identity struct {
	Recipient string
	Item      string
}

// String renders the identity for logs.
func (i Identity) String() string {
	return i.Recipient + " [" + i.Item + "]"
}
