package domain

// Summary aggregates the counters of one dispatch run.
type Summary struct {
	// Read is the number of records yielded by the source
	Read int

	// SkippedBlank counts records without a recipient address
	SkippedBlank int

	// SkippedConfirmed counts records already confirmed in the ledger
	SkippedConfirmed int

	// SkippedDuplicate counts repeated identities within the same run
	SkippedDuplicate int

	// Planned counts records that would be sent in dry-run mode
	Planned int

	// Attempted counts records for which a delivery was attempted
	Attempted int

	// Succeeded counts confirmed deliveries
	Succeeded int

	// Failed counts failed deliveries, artifact failures included
	Failed int

	// ArtifactFailures counts failures at the artifact stage
	ArtifactFailures int

	// Rotations counts channel sessions closed before the end of input
	Rotations int
}
